package settings

// Well-known setting keys.
const (
	KeySiteTitle      = "site.title"
	KeyUploadMaxMB    = "upload.max_size_mb"
	KeyAutoAnalyze    = "tagging.auto_analyze"
	KeyEmbedModel     = "tagging.embed_model"
	KeyBackupSchedule = "backup.schedule"
	KeyBackupKeep     = "backup.keep"
	KeyBackupLastRun  = "backup.last_run"
	KeyDefaultBucket  = "media.default_bucket"
)

// defaults holds the bootstrap value for every known setting. Bootstrap
// inserts rows for missing keys only, so values edited at runtime survive
// both restarts and upgrades that add new keys.
var defaults = map[string]string{
	KeySiteTitle:      "pictag",
	KeyUploadMaxMB:    "512",
	KeyAutoAnalyze:    "true",
	KeyEmbedModel:     "nomic-embed-text",
	KeyBackupSchedule: "0 1 * * *",
	KeyBackupKeep:     "7",
	KeyBackupLastRun:  "",
	KeyDefaultBucket:  "media",
}
