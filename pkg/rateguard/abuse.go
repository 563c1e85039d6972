package rateguard

import (
	"sync"
	"time"
)

// Verdict is the outcome of recording one request against an identifier.
type Verdict struct {
	Suspicious bool `json:"isSuspicious"`
	ShouldBan  bool `json:"shouldBan"`
}

type abuseRecord struct {
	windowStart time.Time
	count       int
	banned      bool
}

type DetectorConfig struct {
	Window              time.Duration
	SuspiciousThreshold int
	BanThreshold        int
}

// AbuseDetector keeps a rolling per-identifier count inside a short detection
// window, independent of the per-endpoint limiter. Counts decay to zero once
// the window elapses without activity, which also lifts any ban.
type AbuseDetector struct {
	mu      sync.Mutex
	records map[string]*abuseRecord
	cfg     DetectorConfig
	now     func() time.Time
}

func NewAbuseDetector(cfg DetectorConfig) *AbuseDetector {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = 50
	}
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = 100
	}
	return &AbuseDetector{
		records: make(map[string]*abuseRecord),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Record counts one qualifying request and reports whether the identifier
// has crossed the suspicion or ban threshold.
func (d *AbuseDetector) Record(identifier string) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec, ok := d.records[identifier]
	if !ok || now.Sub(rec.windowStart) >= d.cfg.Window {
		rec = &abuseRecord{windowStart: now, count: 1}
		d.records[identifier] = rec
	} else {
		rec.count++
	}

	if rec.count >= d.cfg.BanThreshold {
		rec.banned = true
	}
	return Verdict{
		Suspicious: rec.count >= d.cfg.SuspiciousThreshold,
		ShouldBan:  rec.banned,
	}
}

// Banned reports whether the identifier is currently banned. A ban lapses
// once the detection window has fully elapsed since the last reset.
func (d *AbuseDetector) Banned(identifier string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[identifier]
	if !ok {
		return false
	}
	if d.now().Sub(rec.windowStart) >= d.cfg.Window {
		delete(d.records, identifier)
		return false
	}
	return rec.banned
}

// BanExpiry returns when the identifier's current window (and any ban) ends.
func (d *AbuseDetector) BanExpiry(identifier string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[identifier]
	if !ok {
		return time.Time{}, false
	}
	return rec.windowStart.Add(d.cfg.Window), true
}

// Clear removes the record for one identifier, lifting any ban.
func (d *AbuseDetector) Clear(identifier string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, identifier)
}

// ClearAll removes every record.
func (d *AbuseDetector) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = make(map[string]*abuseRecord)
}

func (d *AbuseDetector) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, rec := range d.records {
		if now.Sub(rec.windowStart) >= d.cfg.Window {
			delete(d.records, id)
		}
	}
}
