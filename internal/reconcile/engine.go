package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/groutine"
	"github.com/srg/rfidinv/internal/metrics"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AssetIndex looks up the current room's asset book by RFID.
type AssetIndex interface {
	ByRFID(tag string) (Asset, bool)
}

// AssetLister is implemented by indexes that can enumerate the book. The engine
// uses it to report assets that were never scanned.
type AssetLister interface {
	All() []Asset
}

// Classifier asks the server where tags that are not in the current room belong.
type Classifier interface {
	Classify(ctx context.Context, tags []string, roomID, unitID string) (*ClassificationResult, error)
}

// Options for the engine.
type Options struct {
	RoomID          string
	UnitID          string
	ClassifyTimeout time.Duration `default:"10s"`
}

// Engine is the sole writer of result entries and the accumulated classification.
// Reads from other goroutines go through Snapshot.
type Engine struct {
	index      AssetIndex
	classifier Classifier
	opts       Options
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// OnError receives classification failures. Optional.
	OnError func(error)

	mu         sync.Mutex
	generation uint64
	counter    *ScannedTagCounter
	results    *orderedmap.OrderedMap[string, ResultEntry]
	classified *ClassificationResult
	inFlight   map[string]struct{}
	invalid    int

	// workers counts classification requests still running; idle closes when it drops to zero.
	workers int
	idle    chan struct{}
}

func NewEngine(index AssetIndex, classifier Classifier, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = 10 * time.Second
	}
	return &Engine{
		index:      index,
		classifier: classifier,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		counter:    NewScannedTagCounter(),
		results:    orderedmap.New[string, ResultEntry](),
		classified: NewClassificationResult(),
		inFlight:   make(map[string]struct{}),
	}
}

// OnTagsObserved validates, counts and deduplicates tags, matches them against
// the asset index and sends the rest for classification. It never waits on the
// classifier: requests run on their own goroutine, outside the engine lock.
// Use Drain to wait for them.
func (e *Engine) OnTagsObserved(tags []string) {
	e.mu.Lock()
	gen := e.generation
	roomID, unitID := e.opts.RoomID, e.opts.UnitID
	var pending []string
	valid, invalid, matched := 0, 0, 0

	for _, tag := range tags {
		if !ValidTag(tag) {
			invalid++
			continue
		}
		valid++
		e.counter.Add(tag)

		if e.classified.Contains(tag) {
			continue
		}
		if _, busy := e.inFlight[tag]; busy {
			continue
		}

		if e.index != nil {
			if asset, ok := e.index.ByRFID(tag); ok {
				e.markMatchedLocked(asset, tag)
				matched++
				continue
			}
		}

		e.inFlight[tag] = struct{}{}
		pending = append(pending, tag)
	}
	e.invalid += invalid
	async := len(pending) > 0 && e.classifier != nil
	if async {
		if e.workers == 0 {
			e.idle = make(chan struct{})
		}
		e.workers++
	}
	e.mu.Unlock()

	e.metrics.Tags(valid, invalid)
	if matched > 0 {
		e.metrics.Classified(string(ClassMatched), matched)
	}
	if invalid > 0 {
		e.logger.WithField("count", invalid).Debug("Dropped malformed tags")
	}
	if len(pending) == 0 {
		return
	}
	if !async {
		e.classify(gen, pending, roomID, unitID)
		return
	}

	groutine.Go(context.Background(), "tag-classify", func(context.Context) {
		defer e.workerDone()
		e.classify(gen, pending, roomID, unitID)
	})
}

func (e *Engine) workerDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers--
	if e.workers == 0 {
		close(e.idle)
	}
}

// Drain waits until every classification request submitted so far has finished
// or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.workers == 0 {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markMatchedLocked records a local match. Fixed assets count as present once
// seen; manually entered quantities are never overwritten by scanning.
func (e *Engine) markMatchedLocked(asset Asset, tag string) {
	if asset.RFID == "" {
		asset.RFID = tag
	}
	e.classified.Add(ClassMatched, asset)

	entry, exists := e.results.Get(asset.ID)
	if !exists {
		entry = ResultEntry{
			AssetID:        asset.ID,
			SystemQuantity: asset.SystemQuantity,
			AssetType:      asset.Type,
			ScanMethod:     ScanRFID,
		}
	}
	if entry.ScanMethod == ScanManual {
		return
	}
	if entry.Quantity < 1 {
		entry.Quantity = 1
	}
	entry.Status = DeriveStatus(entry.Quantity, entry.SystemQuantity)
	entry.UpdatedAt = e.now()
	e.results.Set(asset.ID, entry)

	e.logger.WithFields(logrus.Fields{
		"asset":  asset.ID,
		"tag":    tag,
		"status": entry.Status,
	}).Debug("Tag matched asset")
}

func (e *Engine) classify(gen uint64, tags []string, roomID, unitID string) {
	release := func() {
		e.mu.Lock()
		for _, t := range tags {
			delete(e.inFlight, t)
		}
		e.mu.Unlock()
	}

	if e.classifier == nil {
		e.mu.Lock()
		if e.generation == gen {
			for _, t := range tags {
				e.classified.AddUnknown(t)
			}
		}
		e.mu.Unlock()
		release()
		e.metrics.Classified(string(ClassUnknowns), len(tags))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ClassifyTimeout)
	defer cancel()

	started := time.Now()
	fragment, err := e.classifier.Classify(ctx, tags, roomID, unitID)
	e.metrics.ClassifyRequest(time.Since(started), err)

	if err != nil {
		release()
		e.logger.WithFields(logrus.Fields{
			"tags":  len(tags),
			"error": err,
		}).Error("Tag classification failed")
		if e.OnError != nil {
			e.OnError(err)
		}
		return
	}

	if fragment == nil {
		fragment = NewClassificationResult()
	}
	// Submitted tags the server did not place anywhere are unknown.
	for _, t := range tags {
		if !fragment.Contains(t) {
			fragment.AddUnknown(t)
		}
	}

	e.mu.Lock()
	var delta *ClassificationResult
	if e.generation == gen {
		delta = e.classified.Merge(fragment)
		for _, a := range delta.View().Matched {
			e.markMatchedLocked(a, a.RFID)
		}
	}
	e.mu.Unlock()
	release()

	if delta == nil {
		e.logger.Debug("Discarding classification for a reset session")
		return
	}
	for _, c := range []Class{ClassMatched, ClassNeighbors, ClassOtherRooms, ClassUnknowns} {
		if n := delta.Len(c); n > 0 {
			e.metrics.Classified(string(c), n)
		}
	}
	e.logger.WithFields(logrus.Fields{
		"submitted":   len(tags),
		"matched":     delta.Len(ClassMatched),
		"neighbors":   delta.Len(ClassNeighbors),
		"other_rooms": delta.Len(ClassOtherRooms),
		"unknowns":    delta.Len(ClassUnknowns),
	}).Info("Tags classified")
}

// SetQuantity records a user-entered quantity. Fixed assets hold 0 or 1.
func (e *Engine) SetQuantity(asset Asset, quantity int) (ResultEntry, error) {
	if quantity < 0 || (asset.Type == AssetFixed && quantity > 1) {
		return ResultEntry{}, &InvalidQuantityError{AssetID: asset.ID, Type: asset.Type, Quantity: quantity}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry := ResultEntry{
		AssetID:        asset.ID,
		Quantity:       quantity,
		SystemQuantity: asset.SystemQuantity,
		Status:         DeriveStatus(quantity, asset.SystemQuantity),
		ScanMethod:     ScanManual,
		UpdatedAt:      e.now(),
		AssetType:      asset.Type,
	}
	e.results.Set(asset.ID, entry)
	return entry, nil
}

// StartSession resets the scan counter. Results and classification survive so a
// paused inventory can resume.
func (e *Engine) StartSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter.Reset()
	e.invalid = 0
}

// Reset implements the session resetter hook.
func (e *Engine) Reset() {
	e.StartSession()
}

// ResetSession clears everything. Classification responses still in flight for
// the old session are discarded.
func (e *Engine) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	e.counter.Reset()
	e.results = orderedmap.New[string, ResultEntry]()
	e.classified = NewClassificationResult()
	e.inFlight = make(map[string]struct{})
	e.invalid = 0
	e.logger.Info("Inventory session reset")
}

// SetLocation changes the room and unit sent with classification requests.
func (e *Engine) SetLocation(roomID, unitID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.RoomID = roomID
	e.opts.UnitID = unitID
}

// TagCount is one distinct tag and how often it was read.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Snapshot is an immutable copy of the engine state.
type Snapshot struct {
	RoomID         string        `json:"room_id,omitempty"`
	UnitID         string        `json:"unit_id,omitempty"`
	TotalReads     int           `json:"total_reads"`
	InvalidReads   int           `json:"invalid_reads"`
	Tags           []TagCount    `json:"tags"`
	Entries        []ResultEntry `json:"entries"`
	Classification Classified    `json:"classification"`
	Pending        int           `json:"pending"`
}

// Entry returns the result for an asset id.
func (s Snapshot) Entry(assetID string) (ResultEntry, bool) {
	for _, e := range s.Entries {
		if e.AssetID == assetID {
			return e, true
		}
	}
	return ResultEntry{}, false
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	tags := make([]TagCount, 0, e.counter.Unique())
	for _, t := range e.counter.Tags() {
		tags = append(tags, TagCount{Tag: t, Count: e.counter.Count(t)})
	}
	entries := make([]ResultEntry, 0, e.results.Len())
	for pair := e.results.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, pair.Value)
	}

	return Snapshot{
		RoomID:         e.opts.RoomID,
		UnitID:         e.opts.UnitID,
		TotalReads:     e.counter.Total(),
		InvalidReads:   e.invalid,
		Tags:           tags,
		Entries:        entries,
		Classification: e.classified.View(),
		Pending:        len(e.inFlight),
	}
}

// Summary counts entries per status over the whole asset book when the index
// can list it, otherwise over observed entries only.
type Summary struct {
	Matched    int `json:"matched"`
	Missing    int `json:"missing"`
	Excess     int `json:"excess"`
	Neighbors  int `json:"neighbors"`
	OtherRooms int `json:"other_rooms"`
	Unknowns   int `json:"unknowns"`

	// MissingAssets lists book assets with no confirming entry, sorted by id.
	MissingAssets []string `json:"missing_assets,omitempty"`
}

func (e *Engine) Summarize() Summary {
	snap := e.Snapshot()
	sum := Summary{
		Neighbors:  len(snap.Classification.Neighbors),
		OtherRooms: len(snap.Classification.OtherRooms),
		Unknowns:   len(snap.Classification.Unknowns),
	}

	seen := make(map[string]struct{}, len(snap.Entries))
	for _, entry := range snap.Entries {
		seen[entry.AssetID] = struct{}{}
		switch entry.Status {
		case StatusMatched:
			sum.Matched++
		case StatusExcess:
			sum.Excess++
		default:
			sum.Missing++
			sum.MissingAssets = append(sum.MissingAssets, entry.AssetID)
		}
	}

	if lister, ok := e.index.(AssetLister); ok {
		for _, a := range lister.All() {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			if DeriveStatus(0, a.SystemQuantity) == StatusMissing {
				sum.Missing++
				sum.MissingAssets = append(sum.MissingAssets, a.ID)
			}
		}
	}
	sort.Strings(sum.MissingAssets)
	return sum
}
