// Package api holds the JSON wire types exchanged with the overlay UI over the
// websocket session. Field names follow the UI's existing protocol.
package api

// Flavor names a family of installable compatibility tools.
type Flavor string

const (
	FlavorUnknown    Flavor = "Unknown"
	FlavorProtonGE   Flavor = "ProtonGE"
	FlavorLuxtorpeda Flavor = "Luxtorpeda"
	FlavorBoxtron    Flavor = "Boxtron"
)

// MessageType tags every frame on the session.
type MessageType string

const (
	MessageRequestState MessageType = "RequestState"
	MessageUpdateState  MessageType = "UpdateState"
	MessageNotification MessageType = "Notification"
	MessageTask         MessageType = "Task"
)

// TaskType selects the work a Task message asks for.
type TaskType string

const (
	TaskCheckForFlavorUpdates          TaskType = "CheckForFlavorUpdates"
	TaskInstallCompatibilityTool       TaskType = "InstallCompatibilityTool"
	TaskCancelCompatibilityToolInstall TaskType = "CancelCompatibilityToolInstall"
	TaskUninstallCompatibilityTool     TaskType = "UninstallCompatibilityTool"
)

type UpdaterState string

const (
	UpdaterIdle     UpdaterState = "Idle"
	UpdaterChecking UpdaterState = "Checking"
)

// JobState is the phase of the in-flight install.
type JobState string

const (
	JobExtracting  JobState = "Extracting"
	JobDownloading JobState = "Downloading"
	JobWaiting     JobState = "Waiting"
	JobCancelling  JobState = "Cancelling"
)

type CompressionType string

const (
	CompressionGzip    CompressionType = "Gzip"
	CompressionXz      CompressionType = "Xz"
	CompressionUnknown CompressionType = "Unknown"
)

// Message is the single frame shape used in both directions.
type Message struct {
	Type                 MessageType                 `json:"type"`
	Task                 *Task                       `json:"task"`
	Notification         *string                     `json:"notification"`
	AvailableCompatTools []SteamClientCompatToolInfo `json:"available_compat_tools"`
	AppState             *AppState                   `json:"app_state"`
}

// NewNotification builds a Notification frame.
func NewNotification(text string) Message {
	return Message{Type: MessageNotification, Notification: &text}
}

// NewStateUpdate builds an UpdateState frame around a snapshot.
func NewStateUpdate(state *AppState) Message {
	return Message{Type: MessageUpdateState, AppState: state}
}

type Task struct {
	Type      TaskType   `json:"type"`
	Install   *Install   `json:"install"`
	Uninstall *Uninstall `json:"uninstall"`
}

type Install struct {
	Flavor  Flavor  `json:"flavor"`
	Release Release `json:"release"`
}

type Uninstall struct {
	Flavor                 Flavor                 `json:"flavor"`
	SteamCompatibilityTool SteamCompatibilityTool `json:"steam_compatibility_tool"`
}

// AppState is the serialized view of the service state. The host registry
// and the raw per-flavor catalogs stay server side.
type AppState struct {
	AvailableFlavors            []FlavorCatalog          `json:"available_flavors"`
	InstalledCompatibilityTools []SteamCompatibilityTool `json:"installed_compatibility_tools"`
	InProgress                  *QueueCompatibilityTool  `json:"in_progress"`
	TaskQueue                   []Task                   `json:"task_queue"`
	UpdaterState                UpdaterState             `json:"updater_state"`
	UpdaterLastCheck            *uint64                  `json:"updater_last_check"`
}

// FlavorCatalog pairs a flavor with releases. In AppState.AvailableFlavors the
// releases are the ones not currently installed.
type FlavorCatalog struct {
	Flavor   Flavor    `json:"flavor"`
	Releases []Release `json:"releases"`
}

type SteamCompatibilityTool struct {
	Path            string   `json:"path"`
	DisplayName     string   `json:"display_name"`
	InternalName    string   `json:"internal_name"`
	UsedByGames     []string `json:"used_by_games"`
	RequiresRestart bool     `json:"requires_restart"`
	Flavor          Flavor   `json:"flavor"`
	GitHubRelease   *Release `json:"github_release"`
}

// SteamClientCompatToolInfo is one entry of the registry the Steam client
// reports through the overlay.
type SteamClientCompatToolInfo struct {
	ToolName    string `json:"strToolName"`
	DisplayName string `json:"strDisplayName"`
}

type QueueCompatibilityTool struct {
	Flavor       Flavor          `json:"flavor"`
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	State        JobState        `json:"state"`
	CompressType CompressionType `json:"compress_type"`
	Progress     uint8           `json:"progress"`
}

type Release struct {
	URL         string  `json:"url"`
	ID          uint64  `json:"id"`
	Draft       bool    `json:"draft"`
	Prerelease  bool    `json:"prerelease"`
	Name        string  `json:"name"`
	TagName     string  `json:"tag_name"`
	Assets      []Asset `json:"assets"`
	CreatedAt   string  `json:"created_at"`
	PublishedAt string  `json:"published_at"`
	TarballURL  string  `json:"tarball_url"`
	Body        string  `json:"body"`
}

type Asset struct {
	URL                string `json:"url"`
	ID                 uint64 `json:"id"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	State              string `json:"state"`
	Size               uint64 `json:"size"`
	DownloadCount      uint64 `json:"download_count"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
	BrowserDownloadURL string `json:"browser_download_url"`
}
