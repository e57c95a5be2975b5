// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
)

// Interface defines the database operations used by the detection pipeline.
// Lookup methods return (nil, nil) when no row matches.
type Interface interface {
	Open() error
	Close() error

	// stations
	GetActiveStations() ([]RadioStation, error)
	GetAllStations() ([]RadioStation, error)
	GetStation(id uint) (*RadioStation, error)
	SaveStation(station *RadioStation) error
	UpdateStation(station *RadioStation) error

	// artists and tracks
	GetArtistByName(name string) (*Artist, error)
	CreateArtist(artist *Artist) error
	GetTrack(id uint) (*Track, error)
	GetTrackByTitleArtist(title string, artistID uint) (*Track, error)
	GetTrackByISRC(isrc string) (*Track, error)
	CreateTrack(track *Track) error
	UpdateTrack(track *Track) error

	// fingerprints
	GetFingerprintByHash(hash string) (*Fingerprint, error)
	GetFingerprintsByHash(hash string) ([]Fingerprint, error)
	GetFingerprintsByAlgorithm(algorithm string) ([]Fingerprint, error)
	AttachFingerprint(fp *Fingerprint) error
	CountFingerprints(trackID uint) (int64, error)

	// detections
	InsertDetection(det *TrackDetection) error
	UpdateDetectionSpan(id uint, endTime time.Time, playDuration time.Duration) error
	GetDetection(id uint) (*TrackDetection, error)

	// analytics
	GetTopTracks(limit int) ([]TrackSummaryData, error)
	GetStationSummaries() ([]StationSummaryData, error)
	GetTrackHourlyCounts(trackID uint, from, to time.Time) ([]HourlyDetectionData, error)

	// Gorm exposes the underlying handle for transactional aggregate updates
	// and analytics queries.
	Gorm() *gorm.DB
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB  *gorm.DB
	log *slog.Logger
}

// New creates a store based on the configured database URL. A DSN of the
// form user:pass@tcp(host:port)/db selects MySQL, anything else is treated
// as an SQLite file path.
func New(settings *conf.Settings, log *slog.Logger) Interface {
	if isMySQLDSN(settings.Database.URL) {
		return &MySQLStore{Settings: settings, DataStore: DataStore{log: log}}
	}
	return &SQLiteStore{Settings: settings, DataStore: DataStore{log: log}}
}

func isMySQLDSN(url string) bool {
	return strings.Contains(url, "@tcp(") || strings.HasPrefix(url, "mysql://")
}

// Gorm returns the underlying GORM handle.
func (ds *DataStore) Gorm() *gorm.DB {
	return ds.DB
}

// --- stations ---

// GetActiveStations returns all stations eligible for a monitoring cycle.
// Errored stations stay eligible so a recovered stream can clear its status.
func (ds *DataStore) GetActiveStations() ([]RadioStation, error) {
	var stations []RadioStation
	if err := ds.DB.Where("status IN ?", []StationStatus{StationActive, StationError}).Order("id ASC").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("error getting active stations: %w", err)
	}
	return stations, nil
}

// GetAllStations returns every station row.
func (ds *DataStore) GetAllStations() ([]RadioStation, error) {
	var stations []RadioStation
	if err := ds.DB.Order("id ASC").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("error getting stations: %w", err)
	}
	return stations, nil
}

// GetStation retrieves a station by id.
func (ds *DataStore) GetStation(id uint) (*RadioStation, error) {
	var station RadioStation
	err := ds.DB.First(&station, id).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting station %d: %w", id, err)
	}
	return &station, nil
}

// SaveStation inserts a new station row.
func (ds *DataStore) SaveStation(station *RadioStation) error {
	if err := ds.DB.Create(station).Error; err != nil {
		return fmt.Errorf("error saving station %q: %w", station.Name, err)
	}
	return nil
}

// UpdateStation persists changed station fields.
func (ds *DataStore) UpdateStation(station *RadioStation) error {
	if err := ds.DB.Save(station).Error; err != nil {
		return fmt.Errorf("error updating station %d: %w", station.ID, err)
	}
	return nil
}

// --- artists and tracks ---

// GetArtistByName retrieves an artist by exact name.
func (ds *DataStore) GetArtistByName(name string) (*Artist, error) {
	var artist Artist
	err := ds.DB.Where("name = ?", name).First(&artist).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting artist %q: %w", name, err)
	}
	return &artist, nil
}

// CreateArtist inserts a new artist row.
func (ds *DataStore) CreateArtist(artist *Artist) error {
	if err := ds.DB.Create(artist).Error; err != nil {
		return fmt.Errorf("error creating artist %q: %w", artist.Name, err)
	}
	return nil
}

// GetTrack retrieves a track by id.
func (ds *DataStore) GetTrack(id uint) (*Track, error) {
	var track Track
	err := ds.DB.First(&track, id).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting track %d: %w", id, err)
	}
	return &track, nil
}

// GetTrackByTitleArtist retrieves a track by its (title, artist) identity.
func (ds *DataStore) GetTrackByTitleArtist(title string, artistID uint) (*Track, error) {
	var track Track
	err := ds.DB.Where("title = ? AND artist_id = ?", title, artistID).First(&track).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting track %q: %w", title, err)
	}
	return &track, nil
}

// GetTrackByISRC retrieves a track by its normalized ISRC.
func (ds *DataStore) GetTrackByISRC(isrc string) (*Track, error) {
	if isrc == "" {
		return nil, nil
	}
	var track Track
	err := ds.DB.Where("isrc = ?", isrc).First(&track).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting track by isrc %q: %w", isrc, err)
	}
	return &track, nil
}

// CreateTrack inserts a new track row.
func (ds *DataStore) CreateTrack(track *Track) error {
	if err := ds.DB.Create(track).Error; err != nil {
		return fmt.Errorf("error creating track %q: %w", track.Title, err)
	}
	return nil
}

// UpdateTrack persists changed track fields.
func (ds *DataStore) UpdateTrack(track *Track) error {
	if err := ds.DB.Save(track).Error; err != nil {
		return fmt.Errorf("error updating track %d: %w", track.ID, err)
	}
	return nil
}

// --- fingerprints ---

// GetFingerprintByHash performs the exact-hash lookup, the primary match path.
func (ds *DataStore) GetFingerprintByHash(hash string) (*Fingerprint, error) {
	var fp Fingerprint
	err := ds.DB.Where("hash = ?", hash).Order("id ASC").First(&fp).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting fingerprint by hash: %w", err)
	}
	return &fp, nil
}

// GetFingerprintsByHash returns every fingerprint carrying the given hash,
// across tracks.
func (ds *DataStore) GetFingerprintsByHash(hash string) ([]Fingerprint, error) {
	var fps []Fingerprint
	if err := ds.DB.Where("hash = ?", hash).Order("id ASC").Find(&fps).Error; err != nil {
		return nil, fmt.Errorf("error getting fingerprints by hash: %w", err)
	}
	return fps, nil
}

// GetFingerprintsByAlgorithm returns all fingerprints produced by one
// algorithm, for the approximate match scan.
func (ds *DataStore) GetFingerprintsByAlgorithm(algorithm string) ([]Fingerprint, error) {
	var fps []Fingerprint
	if err := ds.DB.Where("algorithm = ?", algorithm).Order("id ASC").Find(&fps).Error; err != nil {
		return nil, fmt.Errorf("error getting fingerprints for %q: %w", algorithm, err)
	}
	return fps, nil
}

// AttachFingerprint inserts a fingerprint, idempotent on
// (track_id, algorithm, hash). The first fingerprint attached to a track
// becomes its primary fingerprint.
func (ds *DataStore) AttachFingerprint(fp *Fingerprint) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing Fingerprint
		err := tx.Where("track_id = ? AND algorithm = ? AND hash = ?",
			fp.TrackID, fp.Algorithm, fp.Hash).First(&existing).Error
		if err == nil {
			*fp = existing
			return nil
		}
		if !Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("error checking fingerprint: %w", err)
		}

		if err := tx.Create(fp).Error; err != nil {
			return fmt.Errorf("error attaching fingerprint: %w", err)
		}

		var track Track
		if err := tx.First(&track, fp.TrackID).Error; err != nil {
			return fmt.Errorf("error loading track %d: %w", fp.TrackID, err)
		}
		if track.FingerprintHash == "" {
			track.FingerprintHash = fp.Hash
			track.FingerprintRaw = fp.RawData
			if err := tx.Save(&track).Error; err != nil {
				return fmt.Errorf("error updating primary fingerprint: %w", err)
			}
		}
		return nil
	})
}

// CountFingerprints returns the number of fingerprints attached to a track.
func (ds *DataStore) CountFingerprints(trackID uint) (int64, error) {
	var count int64
	if err := ds.DB.Model(&Fingerprint{}).Where("track_id = ?", trackID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting fingerprints for track %d: %w", trackID, err)
	}
	return count, nil
}

// --- detections ---

// InsertDetection inserts a new detection row.
func (ds *DataStore) InsertDetection(det *TrackDetection) error {
	if err := ds.DB.Create(det).Error; err != nil {
		return fmt.Errorf("error inserting detection: %w", err)
	}
	return nil
}

// UpdateDetectionSpan updates the end time and play duration of an open
// detection, used when a resumed play extends an existing row.
func (ds *DataStore) UpdateDetectionSpan(id uint, endTime time.Time, playDuration time.Duration) error {
	err := ds.DB.Model(&TrackDetection{}).Where("id = ?", id).
		Updates(map[string]any{"end_time": endTime, "play_duration": playDuration}).Error
	if err != nil {
		return fmt.Errorf("error updating detection %d: %w", id, err)
	}
	return nil
}

// GetDetection retrieves a detection by id.
func (ds *DataStore) GetDetection(id uint) (*TrackDetection, error) {
	var det TrackDetection
	err := ds.DB.First(&det, id).Error
	if err != nil {
		if Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting detection %d: %w", id, err)
	}
	return &det, nil
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string, log *slog.Logger) error {
	if err := db.AutoMigrate(
		&Artist{}, &Track{}, &Fingerprint{}, &RadioStation{}, &TrackDetection{},
		&TrackStats{}, &ArtistStats{}, &StationTrackStats{}, &StationStats{},
		&DetectionHourly{}, &DetectionDaily{}, &DetectionMonthly{},
		&TrackDaily{}, &TrackMonthly{}, &ArtistDaily{}, &ArtistMonthly{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug && log != nil {
		log.Debug("database connection initialized", "type", dbType, "target", connectionInfo)
	}

	return nil
}
