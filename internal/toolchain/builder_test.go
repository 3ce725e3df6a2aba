package toolchain

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haatos/releaseci/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	return NewBuilder(BuilderConfig{
		Host:        "builder.local",
		Username:    "ci",
		KeySecret:   "builder_ssh_key",
		Workspace:   "~/releaseci",
		Repository:  "git@github.com:example/app.git",
		ProjectPath: "App.xcodeproj",
		Scheme:      "App",
		BundleID:    "com.example.app",
		TeamID:      "TEAM123",
		ExportDir:   "build",
	}, nil)
}

func testIdentity() *signing.Identity {
	return &signing.Identity{
		Identifier:    "ident-1",
		AppIdentifier: "com.example.app",
		Distribution:  signing.DistributionAppStore,
		Team:          "TEAM123",
		ProfileName:   "match AppStore com.example.app",
	}
}

func TestBuilder_SigningCommands(t *testing.T) {
	t.Run("automatic signing is toggled before manual settings", func(t *testing.T) {
		// arrange
		b := testBuilder()

		// act
		cmds := b.signingCommands(testIdentity())

		// assert
		require.Len(t, cmds, 2)
		assert.Contains(t, cmds[0], "use_automatic_signing:true")
		assert.NotContains(t, cmds[0], "profile_name")
		assert.Contains(t, cmds[1], "use_automatic_signing:false")
		assert.Contains(t, cmds[1], "team_id:TEAM123")
		assert.Contains(t, cmds[1], "profile_name:'match AppStore com.example.app'")
		assert.Contains(t, cmds[1], "bundle_identifier:com.example.app")
	})
}

func TestBuilder_BuildCommands(t *testing.T) {
	t.Run("archive precedes export", func(t *testing.T) {
		// arrange
		b := testBuilder()

		// act
		cmds := b.buildCommands(testIdentity())

		// assert
		require.Len(t, cmds, 4)
		archiveIdx, exportIdx := -1, -1
		for i, cmd := range cmds {
			if strings.Contains(cmd, " archive") {
				archiveIdx = i
			}
			if strings.Contains(cmd, "-exportArchive") {
				exportIdx = i
			}
		}
		require.NotEqual(t, -1, archiveIdx)
		require.NotEqual(t, -1, exportIdx)
		assert.Less(t, archiveIdx, exportIdx)
		assert.Contains(t, cmds[archiveIdx], "-scheme App")
	})
	t.Run("export options survive the shell round trip", func(t *testing.T) {
		// arrange
		b := testBuilder()
		cmds := b.buildCommands(testIdentity())
		dir := t.TempDir()

		// act: mkdir and the plist write, exactly as the builder host runs them
		for _, cmd := range cmds[:2] {
			sh := exec.Command("sh", "-c", cmd)
			sh.Dir = dir
			out, err := sh.CombinedOutput()
			require.NoError(t, err, string(out))
		}

		// assert
		raw, err := os.ReadFile(filepath.Join(dir, "build", "exportOptions.plist"))
		require.NoError(t, err)
		assert.Equal(t, exportOptionsPlist(testIdentity(), "com.example.app")+"\n", string(raw))

		decoder := xml.NewDecoder(bytes.NewReader(raw))
		for {
			_, err := decoder.Token()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
	})
}

func TestExportOptionsPlist(t *testing.T) {
	t.Run("app store identity uses the app-store method", func(t *testing.T) {
		// act
		plist := exportOptionsPlist(testIdentity(), "com.example.app")

		// assert
		assert.Contains(t, plist, "<string>app-store</string>")
		assert.Contains(t, plist, "<string>TEAM123</string>")
		assert.Contains(t, plist, "<key>com.example.app</key>")
		assert.Contains(t, plist, "<string>match AppStore com.example.app</string>")
		assert.Contains(t, plist, "<string>manual</string>")
	})
	t.Run("ad hoc identity uses its distribution as the method", func(t *testing.T) {
		// arrange
		identity := testIdentity()
		identity.Distribution = signing.DistributionAdHoc

		// act
		plist := exportOptionsPlist(identity, "com.example.app")

		// assert
		assert.Contains(t, plist, "<string>adhoc</string>")
	})
}

func TestBuilder_RepoDir(t *testing.T) {
	t.Run("git suffix and path are stripped", func(t *testing.T) {
		// arrange
		b := testBuilder()

		// act & assert
		assert.Equal(t, "app", b.repoDir())
	})
}

func TestLogTail(t *testing.T) {
	t.Run("only the last lines are kept", func(t *testing.T) {
		// arrange
		tail := newLogTail(3)

		// act
		for i := 1; i <= 5; i++ {
			tail.append(fmt.Sprintf("line %d\n", i))
		}

		// assert
		assert.Equal(t, "line 3\nline 4\nline 5\n", tail.String())
	})
}

func TestBuildError(t *testing.T) {
	t.Run("error reports the exit status", func(t *testing.T) {
		// arrange
		err := &BuildError{ExitStatus: 65, LogTail: "error: signing", Err: assert.AnError}

		// act & assert
		assert.Contains(t, err.Error(), "65")
		assert.ErrorIs(t, err, assert.AnError)
	})
}
