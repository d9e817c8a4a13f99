package session

import (
	"fmt"
	"math"
	"time"

	"playshelf/internal/models"
)

const (
	// finishedThreshold marks a session finished once progress reaches it.
	finishedThreshold = 0.95

	// listeningCapMultiple bounds a report's self-declared listening delta to
	// a multiple of the wall-clock span it claims to cover, rejecting
	// corrupted counters from misbehaving clients.
	listeningCapMultiple = 4.0

	// listeningDeltaCeiling bounds the delta when no positive span is
	// measurable (first report, or out-of-order client clocks). Seconds.
	listeningDeltaCeiling = 4 * 60 * 60

	// durationTolerance is the disagreement, in seconds, beyond which an
	// incoming duration replaces stored media metadata.
	durationTolerance = 5.0
)

// Outcome describes what a merge did with the incoming report.
type Outcome struct {
	// IsNew reports that no existing session matched and one was synthesized.
	IsNew bool
	// StaleIgnored reports that the incoming position was superseded by
	// already-applied data. The listening delta is still credited.
	StaleIgnored bool
	// ListeningDelta is the listening time actually credited after clamping.
	ListeningDelta float64
}

// ValidateReport rejects malformed reports before any mutation. When
// requireIdentity is set the report must carry the full identifying tuple and
// a valid media type, as needed to synthesize a session.
func ValidateReport(report models.ProgressReport, requireIdentity bool) error {
	if !validSeconds(report.CurrentTime) || !validSeconds(report.Duration) || !validSeconds(report.TimeListened) {
		return fmt.Errorf("%w: time values must be finite and non-negative", ErrInvalidInput)
	}
	if math.IsNaN(report.EbookProgress) || report.EbookProgress < 0 {
		return fmt.Errorf("%w: ebook progress must be finite and non-negative", ErrInvalidInput)
	}
	if requireIdentity {
		if report.UserID == "" || report.DeviceID == "" || report.LibraryItemID == "" {
			return fmt.Errorf("%w: userId, deviceId and libraryItemId are required", ErrInvalidInput)
		}
		if !report.MediaType.Valid() {
			return fmt.Errorf("%w: unknown media type %q", ErrInvalidInput, report.MediaType)
		}
	}
	return nil
}

func validSeconds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// Merge reconciles an existing session with an incoming progress report. A nil
// existing session synthesizes a new one from the report's identifying fields
// (the caller assigns the id). Merge is pure and deterministic for a given
// clock value: stale positions are discarded per the timestamp tie-break while
// their listening time is still credited, isFinished never reverts, and
// updatedAt never regresses.
func Merge(existing *models.Session, report models.ProgressReport, now time.Time) (models.Session, Outcome) {
	reportedAt := report.Timestamp
	if reportedAt.IsZero() {
		reportedAt = now
	}

	if existing == nil {
		return synthesize(report, reportedAt)
	}

	merged := *existing
	outcome := Outcome{}

	span := reportedAt.Sub(existing.UpdatedAt).Seconds()
	outcome.ListeningDelta = clampListeningDelta(report.TimeListened, span)
	merged.TimeListening += outcome.ListeningDelta

	// Forward progress always wins; a rewind wins only with a strictly newer
	// client timestamp.
	positionWins := reportedAt.After(existing.UpdatedAt)
	if merged.MediaType.TimeBased() {
		positionWins = positionWins || report.CurrentTime >= existing.CurrentTime
	} else {
		positionWins = positionWins || report.EbookProgress >= existing.Progress
	}
	if positionWins {
		merged.CurrentTime = report.CurrentTime
		if report.EbookLocation != "" {
			merged.EbookLocation = report.EbookLocation
		}
	} else {
		outcome.StaleIgnored = true
	}

	if report.Duration > 0 && (merged.Duration == 0 || math.Abs(report.Duration-merged.Duration) > durationTolerance) {
		merged.Duration = report.Duration
	}
	if report.DisplayTitle != "" {
		merged.DisplayTitle = report.DisplayTitle
	}

	if merged.MediaType.TimeBased() {
		if merged.Duration > 0 && merged.CurrentTime > merged.Duration {
			merged.CurrentTime = merged.Duration
		}
		merged.Progress = timeProgress(merged.CurrentTime, merged.Duration)
	} else if positionWins {
		merged.Progress = clamp01(report.EbookProgress)
	}
	merged.IsFinished = existing.IsFinished || merged.Progress >= finishedThreshold

	if reportedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = reportedAt
	}

	return merged, outcome
}

func synthesize(report models.ProgressReport, reportedAt time.Time) (models.Session, Outcome) {
	delta := clampListeningDelta(report.TimeListened, 0)
	s := models.Session{
		ID:            report.SessionID,
		UserID:        report.UserID,
		DeviceID:      report.DeviceID,
		LibraryItemID: report.LibraryItemID,
		MediaType:     report.MediaType,
		DisplayTitle:  report.DisplayTitle,
		CurrentTime:   report.CurrentTime,
		Duration:      report.Duration,
		EbookLocation: report.EbookLocation,
		TimeListening: delta,
		StartedAt:     reportedAt,
		UpdatedAt:     reportedAt,
	}
	if s.MediaType.TimeBased() {
		if s.Duration > 0 && s.CurrentTime > s.Duration {
			s.CurrentTime = s.Duration
		}
		s.Progress = timeProgress(s.CurrentTime, s.Duration)
	} else {
		s.Progress = clamp01(report.EbookProgress)
	}
	s.IsFinished = s.Progress >= finishedThreshold
	return s, Outcome{IsNew: true, ListeningDelta: delta}
}

func clampListeningDelta(delta, span float64) float64 {
	if math.IsNaN(delta) || math.IsInf(delta, 0) || delta <= 0 {
		return 0
	}
	allowed := float64(listeningDeltaCeiling)
	if span > 0 {
		allowed = math.Min(listeningCapMultiple*span, allowed)
	}
	return math.Min(delta, allowed)
}

func timeProgress(current, duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	return clamp01(current / duration)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
