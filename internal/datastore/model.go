// model.go: this code defines the data model for the monitor
package datastore

import "time"

// StationStatus is the lifecycle state of a radio station.
type StationStatus string

const (
	StationActive      StationStatus = "active"
	StationInactive    StationStatus = "inactive"
	StationError       StationStatus = "error"
	StationMaintenance StationStatus = "maintenance"
)

// Artist represents a canonical artist, unique by name.
type Artist struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Country   string
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Track represents a canonical track. ISRC when present is the strongest
// identity; otherwise (title, artist_id) identifies the track.
type Track struct {
	ID          uint   `gorm:"primaryKey"`
	Title       string `gorm:"index:idx_tracks_title_artist;not null"`
	ArtistID    uint   `gorm:"index:idx_tracks_title_artist;not null"`
	Artist      Artist `gorm:"foreignKey:ArtistID"`
	Album       string
	ISRC        string `gorm:"index"` // normalized 12-char code, empty when unknown
	Label       string
	ReleaseDate string
	Duration    time.Duration

	// Primary fingerprint, kept in sync with the first attached Fingerprint.
	FingerprintHash string `gorm:"index"`
	FingerprintRaw  []byte

	Fingerprints []Fingerprint `gorm:"foreignKey:TrackID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fingerprint is one of possibly many fingerprints attached to a track.
// Hash is unique per (track_id, algorithm).
type Fingerprint struct {
	ID        uint   `gorm:"primaryKey"`
	TrackID   uint   `gorm:"index;uniqueIndex:idx_fp_track_algo_hash;not null"`
	Hash      string `gorm:"index:idx_fp_hash;uniqueIndex:idx_fp_track_algo_hash;not null"`
	RawData   []byte
	Offset    float64 // seconds from start of track
	Algorithm string  `gorm:"uniqueIndex:idx_fp_track_algo_hash;not null"` // "md5", "chromaprint", ...
	CreatedAt time.Time
}

// RadioStation represents a monitored stream source.
type RadioStation struct {
	ID                uint   `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex;not null"`
	StreamURL         string `gorm:"not null"`
	Status            StationStatus `gorm:"type:varchar(20);index;default:active"`
	Country           string
	Language          string
	Region            string
	LastCheck         time.Time
	LastSuccess       time.Time
	LastDetectionTime time.Time
	FailureCount      int // consecutive failed checks, reset on success
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TrackDetection is the fact "track played on station from DetectedAt to
// EndTime". Rows may be updated while the play is still open (resumed after
// a short silence); after finalization they are write-once.
type TrackDetection struct {
	ID              uint      `gorm:"primaryKey"`
	TrackID         uint      `gorm:"index;index:idx_det_track_station;not null"`
	StationID       uint      `gorm:"index;index:idx_det_track_station;not null"`
	DetectedAt      time.Time `gorm:"index"`
	EndTime         time.Time
	PlayDuration    time.Duration // non-negative, clamped to one hour
	Confidence      float64
	Fingerprint     string // the hash that matched
	DetectionMethod string `gorm:"type:varchar(32)"`
	IsEstimated     bool   // true when the duration fallback coercion fired
	CreatedAt       time.Time
}

// TrackStats aggregates finalized detections per track.
type TrackStats struct {
	TrackID       uint `gorm:"primaryKey"`
	TotalPlays    int64
	TotalPlayTime time.Duration
	LastDetected  time.Time
	AvgConfidence float64 // running average weighted by play count
	UpdatedAt     time.Time
}

// ArtistStats aggregates finalized detections per artist.
type ArtistStats struct {
	ArtistID      uint `gorm:"primaryKey"`
	TotalPlays    int64
	TotalPlayTime time.Duration
	LastDetected  time.Time
	AvgConfidence float64
	UpdatedAt     time.Time
}

// StationTrackStats aggregates per (station, track).
type StationTrackStats struct {
	StationID     uint `gorm:"primaryKey;autoIncrement:false"`
	TrackID       uint `gorm:"primaryKey;autoIncrement:false"`
	PlayCount     int64
	TotalPlayTime time.Duration
	LastPlayed    time.Time
	AvgConfidence float64
	UpdatedAt     time.Time
}

// StationStats aggregates per station.
type StationStats struct {
	StationID      uint `gorm:"primaryKey"`
	DetectionCount int64
	LastDetected   time.Time
	AvgConfidence  float64
	UpdatedAt      time.Time
}

// DetectionHourly counts detections per wall-clock hour.
type DetectionHourly struct {
	Hour  time.Time `gorm:"primaryKey"`
	Count int64
}

// DetectionDaily counts detections per day.
type DetectionDaily struct {
	Day   time.Time `gorm:"primaryKey"`
	Count int64
}

// DetectionMonthly counts detections per month.
type DetectionMonthly struct {
	Month time.Time `gorm:"primaryKey"`
	Count int64
}

// TrackDaily counts detections of one track per day.
type TrackDaily struct {
	TrackID uint      `gorm:"primaryKey;autoIncrement:false"`
	Day     time.Time `gorm:"primaryKey"`
	Count   int64
}

// TrackMonthly counts detections of one track per month.
type TrackMonthly struct {
	TrackID uint      `gorm:"primaryKey;autoIncrement:false"`
	Month   time.Time `gorm:"primaryKey"`
	Count   int64
}

// ArtistDaily counts detections and play time of one artist per day.
type ArtistDaily struct {
	ArtistID      uint      `gorm:"primaryKey;autoIncrement:false"`
	Day           time.Time `gorm:"primaryKey"`
	Count         int64
	TotalPlayTime time.Duration
}

// ArtistMonthly counts detections and play time of one artist per month.
type ArtistMonthly struct {
	ArtistID      uint      `gorm:"primaryKey;autoIncrement:false"`
	Month         time.Time `gorm:"primaryKey"`
	Count         int64
	TotalPlayTime time.Duration
}
