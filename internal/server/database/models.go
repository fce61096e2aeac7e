package database

import "time"

// TransferStatus is the lifecycle state of a Transfer.
type TransferStatus string

const (
	StatusUploading TransferStatus = "uploading"
	StatusReady     TransferStatus = "ready"
	StatusExpired   TransferStatus = "expired"
	StatusDeleted   TransferStatus = "deleted"
)

// ScanStatus is the outcome of the antivirus check on a transfer's files.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
)

// PreviewType tells a client how a file can be shown in the browser.
type PreviewType string

const (
	PreviewImage PreviewType = "image"
	PreviewVideo PreviewType = "video"
	PreviewAudio PreviewType = "audio"
	PreviewPDF   PreviewType = "pdf"
	PreviewText  PreviewType = "text"
	PreviewNone  PreviewType = "none"
)

// Transfer is a share link grouping one or more uploaded files.
type Transfer struct {
	ID              string
	ShortID         string
	Status          TransferStatus
	TotalSize       int64
	FileCount       int
	ExpiresAt       time.Time
	MaxDownloads    *int // nil when unlimited
	DownloadCount   int
	SenderEmail     string
	SenderIP        string
	UserID          *string // nil for anonymous senders
	Title           string
	Message         string
	PasswordHash    *string // nil when no password set
	RecipientEmails string
	ScanStatus      ScanStatus
	ScanResult      string
	CreatedAt       time.Time
}

// IsExpired reports whether the transfer can no longer be downloaded.
func (t *Transfer) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt) || t.Status == StatusExpired
}

// IsDownloadLimited reports whether the download cap has been reached.
func (t *Transfer) IsDownloadLimited() bool {
	if t.MaxDownloads == nil {
		return false
	}
	return t.DownloadCount >= *t.MaxDownloads
}

// TransferFile is an immutable record of one finalized upload.
type TransferFile struct {
	ID             string
	TransferID     string
	UploadID       string // session that produced the file; unique
	OriginalName   string
	StoredName     string
	Size           int64
	MimeType       string
	UploadComplete bool
	PreviewType    PreviewType
	UploadedAt     time.Time
}

// MonthlyUsage tracks bytes sent by one identity in one calendar month.
type MonthlyUsage struct {
	Identity         string
	Year             int
	Month            int
	BytesTransferred int64
	TransferCount    int
	UpdatedAt        time.Time
}

// DownloadEvent records a single download of a transfer or one of its files.
type DownloadEvent struct {
	TransferID     string
	FileID         *string
	IPAddress      string
	UserAgent      string
	IsFullDownload bool
	DownloadedAt   time.Time
}
