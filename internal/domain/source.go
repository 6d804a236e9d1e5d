package domain

// Source identifies where documents come from. Persisted document ids
// are prefixed per source (see connector implementations), so values
// here are load-bearing and append-only.
type Source string

const (
	SourceWeb           Source = "web"
	SourceGoogleDrive   Source = "google_drive"
	SourceConfluence    Source = "confluence"
	SourceFreshdesk     Source = "freshdesk"
	SourceSalesforce    Source = "salesforce"
	SourceSharePoint    Source = "sharepoint"
	SourceSlack         Source = "slack"
	SourceGitHub        Source = "github"
	SourceFile          Source = "file"
	SourceChatSummary   Source = "chat_summary"
	SourceNotApplicable Source = "not_applicable"
)

// IndexingDisabled reports sources the scheduler must never dispatch.
func (s Source) IndexingDisabled() bool {
	return s == SourceNotApplicable || s == SourceChatSummary
}

type PairStatus string

const (
	PairStatusActive   PairStatus = "ACTIVE"
	PairStatusPaused   PairStatus = "PAUSED"
	PairStatusDeleting PairStatus = "DELETING"
)

type IndexingTrigger string

const (
	TriggerUpdate  IndexingTrigger = "UPDATE"
	TriggerReindex IndexingTrigger = "REINDEX"
)

type IndexAttemptStatus string

const (
	AttemptNotStarted IndexAttemptStatus = "NOT_STARTED"
	AttemptInProgress IndexAttemptStatus = "IN_PROGRESS"
	AttemptSuccess    IndexAttemptStatus = "SUCCESS"
	AttemptFailed     IndexAttemptStatus = "FAILED"
	AttemptCanceled   IndexAttemptStatus = "CANCELED"
)

// Terminal reports whether the attempt can never change again.
func (s IndexAttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptCanceled
}

type SearchSettingsStatus string

const (
	SettingsPresent SearchSettingsStatus = "PRESENT"
	SettingsFuture  SearchSettingsStatus = "FUTURE"
	SettingsPast    SearchSettingsStatus = "PAST"
)

// Task queues; user uploads index on a separate queue so bulk connector
// work cannot starve them.
const (
	QueueConnectorDocFetching = "CONNECTOR_DOC_FETCHING"
	QueueUserFilesIndexing    = "USER_FILES_INDEXING"
	QueuePermissionSync       = "PERMISSION_SYNC"
)
