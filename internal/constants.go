package internal

const (
	DotEnvPath    = "./.env"
	MigrationsDir = "migrations"
	ArtifactsDir  = "artifacts"
	RunDirLayout  = "20060102_150405000"
	APIKeyHeader  = "X-ReleaseCI-API-Key"

	DBTimestampLayout = "2006-01-02 15:04:05.999999999-07:00"
)

// Stage names in pipeline order.
const (
	StageAuthenticate = "authenticate"
	StageSync         = "sync"
	StageBuild        = "build"
	StageUpload       = "upload"
)
