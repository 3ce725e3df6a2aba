package settings

import (
	"bufio"
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var Settings *AppSettings

// AppSettings enumerates every value the engine needs up front. Validation
// happens at startup so a missing value fails before a run is created, not
// in the middle of one.
type AppSettings struct {
	Domain         string `validate:"required"`
	Port           string `validate:"required"`
	SQLiteDatabase string `validate:"required"`
	LanesPath      string `validate:"required"`

	Repository    string `validate:"required"`
	ProjectPath   string `validate:"required"`
	Scheme        string `validate:"required"`
	BundleID      string `validate:"required"`
	TeamID        string `validate:"required"`
	ExportDir     string `validate:"required"`
	AllowInsecure bool

	BuilderHost      string `validate:"required,hostname_port|hostname"`
	BuilderUser      string `validate:"required"`
	BuilderWorkspace string `validate:"required"`

	SigningStoreHost string `validate:"required,hostname_port|hostname"`
	SigningStoreUser string `validate:"required"`
	SigningStorePath string `validate:"required"`

	AuthorityBaseURL    string `validate:"required,url"`
	DistributionBaseURL string `validate:"required,url"`

	// Names of secrets resolved through the secret store. Values are never
	// held in settings.
	BuilderKeySecret      string `validate:"required"`
	SigningStoreKeySecret string `validate:"required"`
	APIKeyIDSecret        string `validate:"required"`
	APIIssuerIDSecret     string `validate:"required"`
	APIPrivateKeySecret   string `validate:"required"`

	QueueSize int64 `validate:"min=1"`

	AuthTimeout   time.Duration `validate:"min=1s"`
	SyncTimeout   time.Duration `validate:"min=1s"`
	BuildTimeout  time.Duration `validate:"min=1s"`
	UploadTimeout time.Duration `validate:"min=1s"`
}

func NewSettings() *AppSettings {
	settings := AppSettings{
		Domain:         getEnvOrDefault("RELEASECI_DOMAIN", "localhost"),
		Port:           getEnvOrDefault("RELEASECI_PORT", ":8080"),
		SQLiteDatabase: getEnvOrDefault("RELEASECI_DB_PATH", "file:.///db.sqlite"),
		LanesPath:      getEnvOrDefault("RELEASECI_LANES_PATH", "lanes.yml"),

		Repository:  os.Getenv("RELEASECI_REPOSITORY"),
		ProjectPath: os.Getenv("RELEASECI_PROJECT_PATH"),
		Scheme:      os.Getenv("RELEASECI_SCHEME"),
		BundleID:    os.Getenv("RELEASECI_BUNDLE_ID"),
		TeamID:      os.Getenv("RELEASECI_TEAM_ID"),
		ExportDir:   getEnvOrDefault("RELEASECI_EXPORT_DIR", "build"),

		BuilderHost:      os.Getenv("RELEASECI_BUILDER_HOST"),
		BuilderUser:      os.Getenv("RELEASECI_BUILDER_USER"),
		BuilderWorkspace: getEnvOrDefault("RELEASECI_BUILDER_WORKSPACE", "~/releaseci"),

		SigningStoreHost: os.Getenv("RELEASECI_SIGNING_STORE_HOST"),
		SigningStoreUser: os.Getenv("RELEASECI_SIGNING_STORE_USER"),
		SigningStorePath: getEnvOrDefault("RELEASECI_SIGNING_STORE_PATH", "signing"),

		AuthorityBaseURL:    os.Getenv("RELEASECI_AUTHORITY_URL"),
		DistributionBaseURL: os.Getenv("RELEASECI_DISTRIBUTION_URL"),

		BuilderKeySecret:      getEnvOrDefault("RELEASECI_BUILDER_KEY_SECRET", "builder_ssh_key"),
		SigningStoreKeySecret: getEnvOrDefault("RELEASECI_SIGNING_STORE_KEY_SECRET", "signing_store_ssh_key"),
		APIKeyIDSecret:        getEnvOrDefault("RELEASECI_API_KEY_ID_SECRET", "asc_key_id"),
		APIIssuerIDSecret:     getEnvOrDefault("RELEASECI_API_ISSUER_ID_SECRET", "asc_issuer_id"),
		APIPrivateKeySecret:   getEnvOrDefault("RELEASECI_API_PRIVATE_KEY_SECRET", "asc_private_key"),

		QueueSize: getEnvInt64OrDefault("RELEASECI_QUEUE_SIZE", 3),

		AuthTimeout:   getEnvDurationOrDefault("RELEASECI_AUTH_TIMEOUT", 30*time.Second),
		SyncTimeout:   getEnvDurationOrDefault("RELEASECI_SYNC_TIMEOUT", 5*time.Minute),
		BuildTimeout:  getEnvDurationOrDefault("RELEASECI_BUILD_TIMEOUT", 45*time.Minute),
		UploadTimeout: getEnvDurationOrDefault("RELEASECI_UPLOAD_TIMEOUT", 30*time.Minute),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func (as *AppSettings) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(as)
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Fatalf("invalid value for %s: %v", key, err)
	}
	return v
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid value for %s: %v", key, err)
	}
	return v
}

func (as *AppSettings) BaseURL() string {
	if as.Domain == "localhost" {
		return fmt.Sprintf("http://%s%s", as.Domain, as.Port)
	} else {
		return fmt.Sprintf("https://%s", as.Domain)
	}
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.SplitN(string(line), "=", 2)
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
