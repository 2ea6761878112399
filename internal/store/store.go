// Package store holds the in-memory cart of one browsing session.
//
// The line list is the only state a caller can change, and only through the
// mutation methods. Every mutation replaces the line list, re-derives the
// totals from it and writes the resulting snapshot to storage before
// returning, so the cached totals can never be observed out of step with the
// lines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/domain"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/metrics"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/storage"
	"go.uber.org/zap"
)

const DefaultPersistTimeout = 2 * time.Second

// MaxTotalItems caps the item count of one cart so quantities and totals
// never overflow int.
const MaxTotalItems = math.MaxInt32

var (
	ErrInvalidInput    = errors.New("invalid cart input")
	ErrInvalidProduct  = fmt.Errorf("%w: product id is required", ErrInvalidInput)
	ErrInvalidPrice    = fmt.Errorf("%w: unit price must not be negative", ErrInvalidInput)
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidInput)
	ErrCartFull        = fmt.Errorf("%w: cart would exceed %d items", ErrInvalidInput, MaxTotalItems)

	// ErrLoadFailed means storage could not be read. The saved cart may still
	// exist, so no store is handed out that could overwrite it.
	ErrLoadFailed = errors.New("cart snapshot load failed")
)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

type Store struct {
	mu             sync.Mutex
	key            string
	storage        storage.SnapshotStorage
	log            *zap.Logger
	metrics        *metrics.Metrics
	persistTimeout time.Duration

	lines  []domain.CartLine
	totals domain.Totals
}

// Open seeds a store from the snapshot saved under key. A missing, undecodable
// or incompatible snapshot yields an empty cart; a failing backend yields
// ErrLoadFailed. The read is detached from ctx cancellation and bounded by the
// persist timeout.
func Open(ctx context.Context, key string, st storage.SnapshotStorage, opts ...Option) (*Store, error) {
	s := &Store{
		key:            key,
		storage:        st,
		log:            zap.NewNop(),
		persistTimeout: DefaultPersistTimeout,
		totals:         domain.ComputeTotals(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("cart_key", key))

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	data, err := s.storage.Load(ctx, s.key)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		s.log.Warn("cart snapshot load failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("cart snapshot undecodable, starting empty", zap.Error(err))
		return nil
	}
	if snap.Version != domain.SnapshotVersion {
		s.log.Warn("cart snapshot version mismatch, starting empty",
			zap.Int("version", snap.Version),
			zap.Int("expected", domain.SnapshotVersion))
		return nil
	}

	lines := sanitize(snap.Lines)
	derived := domain.ComputeTotals(lines)
	if len(lines) != len(snap.Lines) || !derived.Equal(snap.Totals()) {
		s.metrics.DriftDetected()
		s.log.Warn("cart snapshot totals out of step with lines, re-derived",
			zap.Int("stored_items", snap.TotalItems),
			zap.Int("derived_items", derived.TotalItems),
			zap.Stringer("stored_price", snap.TotalPrice),
			zap.Stringer("derived_price", derived.TotalPrice))
	}

	s.lines = lines
	s.totals = derived
	return nil
}

// sanitize drops lines that could not have been produced by the mutation
// methods and merges repeated line ids.
func sanitize(in []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(in))
	total := 0
	for _, line := range in {
		if line.LineID == "" || line.Quantity < 1 ||
			line.UnitPrice.IsNegative() || line.EffectiveUnitPrice().IsNegative() {
			continue
		}
		if line.Quantity > MaxTotalItems-total {
			continue
		}
		total += line.Quantity
		if idx := indexOf(out, line.LineID); idx >= 0 {
			out[idx].Quantity += line.Quantity
			continue
		}
		out = append(out, line)
	}
	return out
}

// AddItem merges the input into the line with the same product and options,
// or appends a new line. The captured name and price of an existing line are kept.
func (s *Store) AddItem(ctx context.Context, in domain.AddItemInput) (domain.CartLine, error) {
	qty, err := validateAddItem(in)
	if err != nil {
		return domain.CartLine{}, err
	}
	lineID := domain.LineID(in.ProductID, in.OptionalAttributes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if qty > MaxTotalItems-s.totals.TotalItems {
		return domain.CartLine{}, ErrCartFull
	}

	lines := cloneLines(s.lines)
	idx := indexOf(lines, lineID)
	if idx >= 0 {
		lines[idx].Quantity += qty
	} else {
		lines = append(lines, domain.CartLine{
			LineID:             lineID,
			ProductID:          in.ProductID,
			Name:               in.Name,
			UnitPrice:          in.UnitPrice,
			Quantity:           qty,
			ImageRef:           in.ImageRef,
			OptionalAttributes: cloneAttributes(in.OptionalAttributes),
		})
		idx = len(lines) - 1
	}

	s.commit(ctx, "add_item", lines)
	return cloneLine(lines[idx]), nil
}

func validateAddItem(in domain.AddItemInput) (int, error) {
	if in.ProductID == "" {
		return 0, ErrInvalidProduct
	}
	if in.UnitPrice.IsNegative() {
		return 0, ErrInvalidPrice
	}
	line := domain.CartLine{UnitPrice: in.UnitPrice, OptionalAttributes: in.OptionalAttributes}
	if line.EffectiveUnitPrice().IsNegative() {
		return 0, fmt.Errorf("%w: options bring the price below zero", ErrInvalidPrice)
	}

	qty := 1
	if in.Quantity != nil {
		qty = *in.Quantity
	}
	if qty < 1 {
		return 0, ErrInvalidQuantity
	}
	return qty, nil
}

// UpdateQuantity sets a line's quantity. Zero or less removes the line; an
// unknown line id is a no-op. The quantity is clamped so the cart stays
// within MaxTotalItems.
func (s *Store) UpdateQuantity(ctx context.Context, lineID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.lines, lineID)
	if idx < 0 {
		return
	}
	if quantity <= 0 {
		s.commit(ctx, "remove_item", removeAt(s.lines, idx))
		return
	}
	if room := MaxTotalItems - (s.totals.TotalItems - s.lines[idx].Quantity); quantity > room {
		quantity = room
	}
	if s.lines[idx].Quantity == quantity {
		return
	}

	lines := cloneLines(s.lines)
	lines[idx].Quantity = quantity
	s.commit(ctx, "update_quantity", lines)
}

func (s *Store) RemoveItem(ctx context.Context, lineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.lines, lineID)
	if idx < 0 {
		return
	}
	s.commit(ctx, "remove_item", removeAt(s.lines, idx))
}

func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commit(ctx, "clear", nil)
}

// RecalculateTotals re-derives the totals from the line list and overwrites
// the cached values. A difference means a mutation path skipped commit.
func (s *Store) RecalculateTotals(ctx context.Context) domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()

	derived := domain.ComputeTotals(s.lines)
	if !derived.Equal(s.totals) {
		s.metrics.DriftDetected()
		s.log.Warn("cart totals drifted from lines",
			zap.Int("cached_items", s.totals.TotalItems),
			zap.Int("derived_items", derived.TotalItems),
			zap.Stringer("cached_price", s.totals.TotalPrice),
			zap.Stringer("derived_price", derived.TotalPrice))
		s.totals = derived
		s.persist(ctx)
	}
	return derived
}

// commit is the only place the line list and totals change. Callers hold s.mu.
func (s *Store) commit(ctx context.Context, op string, lines []domain.CartLine) {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	s.lines = lines
	s.totals = domain.ComputeTotals(lines)
	s.metrics.Mutation(op)
	s.persist(ctx)
}

// persist writes the snapshot. Failures are logged and swallowed: the
// in-memory cart stays authoritative for the session.
func (s *Store) persist(ctx context.Context) {
	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		s.metrics.PersistFailure()
		s.log.Warn("cart snapshot encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if err := s.storage.Save(ctx, s.key, data); err != nil {
		s.metrics.PersistFailure()
		s.log.Warn("cart snapshot save failed", zap.Error(err))
	}
}

func (s *Store) Key() string {
	return s.key
}

func (s *Store) Lines() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneLines(s.lines)
}

func (s *Store) Line(lineID string) (domain.CartLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.lines, lineID)
	if idx < 0 {
		return domain.CartLine{}, false
	}
	return cloneLine(s.lines[idx]), true
}

func (s *Store) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

func (s *Store) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() domain.Snapshot {
	lines := cloneLines(s.lines)
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return domain.Snapshot{
		Version:    domain.SnapshotVersion,
		Lines:      lines,
		TotalItems: s.totals.TotalItems,
		TotalPrice: s.totals.TotalPrice,
	}
}

func indexOf(lines []domain.CartLine, lineID string) int {
	for i := range lines {
		if lines[i].LineID == lineID {
			return i
		}
	}
	return -1
}

func removeAt(lines []domain.CartLine, idx int) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(lines)-1)
	out = append(out, lines[:idx]...)
	return append(out, lines[idx+1:]...)
}

func cloneLines(lines []domain.CartLine) []domain.CartLine {
	if lines == nil {
		return nil
	}
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		out[i] = cloneLine(line)
	}
	return out
}

func cloneLine(line domain.CartLine) domain.CartLine {
	line.OptionalAttributes = cloneAttributes(line.OptionalAttributes)
	return line
}

func cloneAttributes(attrs map[string]domain.Attribute) map[string]domain.Attribute {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]domain.Attribute, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
