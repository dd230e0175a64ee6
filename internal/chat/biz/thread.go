package biz

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/metrics"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/workerpool"
	"go.uber.org/zap"
)

// ThreadRepo is the durable store for threads
type ThreadRepo interface {
	Save(ctx context.Context, thread *types.Thread) error
	Get(ctx context.Context, id string) (*types.Thread, error)
	List(ctx context.Context) ([]*types.Thread, error)
	Delete(ctx context.Context, id string) error
}

// TitleGenerator produces a short title for a conversation using model
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, model string, messages []types.Message) (string, error)
}

// Notifier surfaces thread changes and user-visible errors
type Notifier interface {
	NotifyThread(thread *types.Thread)
	NotifyThreadDeleted(id string)
	NotifyError(err error)
}

// Phase is where a thread is in its turn cycle
type Phase int

const (
	// PhaseJustCreated: the first user message exists, no turn has run yet
	PhaseJustCreated Phase = iota
	// PhaseStreaming: a turn is running in the foreground or background
	PhaseStreaming
	// PhaseSettled: the last turn's result has been recorded
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseJustCreated:
		return "just-created"
	case PhaseStreaming:
		return "streaming"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

type titleState int

const (
	titleIdle titleState = iota
	titlePending
	titleDone
)

const maxTitleRunes = 40

// TitleConfig configures automatic thread titles
type TitleConfig struct {
	Model   string
	Timeout time.Duration
}

// Settlement is the final state of one finished turn
type Settlement struct {
	ThreadID           string
	Seq                uint64
	Messages           []types.Message
	PreviousResponseID string
	UploadedFileIDs    []string
	// Model is the conversation model, used as the title fallback
	Model string
}

type threadEntry struct {
	thread     *types.Thread
	phase      Phase
	settledSeq uint64
	title      titleState

	// streamingSeq is the newest turn marked as streaming
	streamingSeq uint64
}

// ThreadUseCase owns the in-memory thread list and writes it through to a
// ThreadRepo.
type ThreadUseCase struct {
	repo     ThreadRepo
	titler   TitleGenerator
	pool     *workerpool.Pool
	notifier Notifier
	cfg      TitleConfig
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu      sync.Mutex
	threads map[string]*threadEntry

	// writeMu orders store writes with deletes
	writeMu sync.Mutex
}

// NewThreadUseCase creates a thread coordinator. titler and pool may be nil,
// in which case threads keep their placeholder title.
func NewThreadUseCase(repo ThreadRepo, titler TitleGenerator, pool *workerpool.Pool, notifier Notifier, cfg TitleConfig, m *metrics.Metrics, log *zap.Logger) *ThreadUseCase {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ThreadUseCase{
		repo:     repo,
		titler:   titler,
		pool:     pool,
		notifier: notifier,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		threads:  make(map[string]*threadEntry),
	}
}

// Load reads every persisted thread into memory
func (uc *ThreadUseCase) Load(ctx context.Context) error {
	threads, err := uc.repo.List(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrPersistFailed, "failed to load threads")
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, t := range threads {
		e := &threadEntry{thread: t.Clone(), phase: PhaseSettled}
		if !t.HasPlaceholderTitle() {
			e.title = titleDone
		}
		uc.threads[t.ID] = e
	}
	uc.log.Info("threads loaded", zap.Int("count", len(threads)))
	return nil
}

// CreateThread creates a thread for the first message of a fresh
// conversation and persists it right away.
func (uc *ThreadUseCase) CreateThread(ctx context.Context, msgs ...types.Message) *types.Thread {
	thread := types.NewThread(msgs...)

	uc.mu.Lock()
	uc.threads[thread.ID] = &threadEntry{thread: thread, phase: PhaseJustCreated}
	snapshot := thread.Clone()
	uc.mu.Unlock()

	uc.log.Info("thread created", zap.String("thread_id", thread.ID))
	uc.persist(ctx, snapshot.ID, true)
	return snapshot
}

// Get returns a copy of the thread
func (uc *ThreadUseCase) Get(id string) (*types.Thread, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	e, ok := uc.threads[id]
	if !ok {
		return nil, apperrors.NewThreadNotFound(id)
	}
	return e.thread.Clone(), nil
}

// Phase reports the turn phase of a thread
func (uc *ThreadUseCase) Phase(id string) (Phase, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	e, ok := uc.threads[id]
	if !ok {
		return 0, false
	}
	return e.phase, true
}

// List returns copies of all threads, most recently updated first
func (uc *ThreadUseCase) List() []*types.Thread {
	uc.mu.Lock()
	out := make([]*types.Thread, 0, len(uc.threads))
	for _, e := range uc.threads {
		out = append(out, e.thread.Clone())
	}
	uc.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	return out
}

// MarkStreaming records that turn seq has started on the thread. A turn that
// has already settled is not marked again. Seq 0 marks a turn that started
// before the thread existed.
func (uc *ThreadUseCase) MarkStreaming(id string, seq uint64) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	e, ok := uc.threads[id]
	if !ok || (seq != 0 && seq <= e.settledSeq) {
		return
	}
	e.phase = PhaseStreaming
	if seq > e.streamingSeq {
		e.streamingSeq = seq
	}
}

// SettleTurn records a finished turn and persists it. Results for threads
// that no longer exist, or older than the last settled turn, are dropped.
func (uc *ThreadUseCase) SettleTurn(ctx context.Context, s Settlement) bool {
	uc.mu.Lock()
	e, ok := uc.threads[s.ThreadID]
	if !ok {
		uc.mu.Unlock()
		uc.log.Debug("dropping result for unknown thread", zap.String("thread_id", s.ThreadID))
		return false
	}
	if s.Seq <= e.settledSeq {
		uc.mu.Unlock()
		uc.log.Debug("dropping stale turn result",
			zap.String("thread_id", s.ThreadID),
			zap.Uint64("seq", s.Seq),
			zap.Uint64("settled_seq", e.settledSeq),
		)
		return false
	}

	e.thread.Messages = types.CloneMessages(s.Messages)
	e.thread.PreviousResponseID = s.PreviousResponseID
	if s.UploadedFileIDs != nil {
		e.thread.UploadedFileIDs = append([]string{}, s.UploadedFileIDs...)
	}
	e.thread.Touch()
	e.settledSeq = s.Seq
	// an older turn settling late leaves a newer one streaming
	if s.Seq >= e.streamingSeq {
		e.phase = PhaseSettled
	}

	snapshot := e.thread.Clone()
	wantTitle := uc.claimTitleLocked(e)
	uc.mu.Unlock()

	uc.persist(ctx, snapshot.ID, true)
	if wantTitle {
		uc.scheduleTitle(snapshot.ID, snapshot.Messages, s.Model)
	}
	return true
}

// SyncMessages records messages changed outside a running turn, such as a
// retry truncating the conversation. It is ignored while a turn is streaming
// and only writes through when the message count changed.
func (uc *ThreadUseCase) SyncMessages(ctx context.Context, id string, msgs []types.Message) error {
	uc.mu.Lock()
	e, ok := uc.threads[id]
	if !ok {
		uc.mu.Unlock()
		return apperrors.NewThreadNotFound(id)
	}
	if e.phase == PhaseStreaming || len(msgs) == len(e.thread.Messages) {
		uc.mu.Unlock()
		return nil
	}
	e.thread.Messages = types.CloneMessages(msgs)
	e.thread.Touch()
	snapshot := e.thread.Clone()
	uc.mu.Unlock()

	uc.persist(ctx, snapshot.ID, true)
	return nil
}

// AddFiles records uploaded file ids on the thread
func (uc *ThreadUseCase) AddFiles(ctx context.Context, id string, fileIDs []string) error {
	uc.mu.Lock()
	e, ok := uc.threads[id]
	if !ok {
		uc.mu.Unlock()
		return apperrors.NewThreadNotFound(id)
	}
	for _, f := range fileIDs {
		if !containsString(e.thread.UploadedFileIDs, f) {
			e.thread.UploadedFileIDs = append(e.thread.UploadedFileIDs, f)
		}
	}
	uc.mu.Unlock()

	uc.persist(ctx, id, false)
	return nil
}

// Rename sets a title by hand; automatic titling is skipped afterwards
func (uc *ThreadUseCase) Rename(ctx context.Context, id, title string) (*types.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.NewValidationError("title")
	}

	uc.mu.Lock()
	e, ok := uc.threads[id]
	if !ok {
		uc.mu.Unlock()
		return nil, apperrors.NewThreadNotFound(id)
	}
	e.thread.Title = title
	e.title = titleDone
	e.thread.Touch()
	snapshot := e.thread.Clone()
	uc.mu.Unlock()

	uc.persist(ctx, snapshot.ID, true)
	return snapshot, nil
}

// Delete removes the thread from memory and from the store
func (uc *ThreadUseCase) Delete(ctx context.Context, id string) error {
	uc.writeMu.Lock()
	defer uc.writeMu.Unlock()

	uc.mu.Lock()
	_, known := uc.threads[id]
	delete(uc.threads, id)
	uc.mu.Unlock()

	if err := uc.repo.Delete(ctx, id); err != nil && !apperrors.IsNotFound(err) {
		uc.metrics.PersistFailed()
		appErr := apperrors.Wrap(err, apperrors.ErrPersistFailed, "failed to delete thread "+id)
		fields := append(logger.Fields(logger.WithThreadID(ctx, id)), zap.Error(err))
		uc.log.Error("failed to delete thread", fields...)
		uc.notifyError(appErr)
		return appErr
	}
	if !known {
		return apperrors.NewThreadNotFound(id)
	}

	uc.log.Info("thread deleted", zap.String("thread_id", id))
	if uc.notifier != nil {
		uc.notifier.NotifyThreadDeleted(id)
	}
	return nil
}

// claimTitleLocked checks the title gate and marks the request outstanding
func (uc *ThreadUseCase) claimTitleLocked(e *threadEntry) bool {
	if uc.titler == nil || e.title != titleIdle || !e.thread.HasPlaceholderTitle() {
		return false
	}
	msgs := e.thread.Messages
	if len(msgs) != 2 || msgs[0].Role != types.RoleUser || msgs[1].Role != types.RoleAssistant {
		return false
	}
	if msgs[1].IsError || msgs[1].IsStreaming {
		return false
	}
	e.title = titlePending
	return true
}

func (uc *ThreadUseCase) scheduleTitle(id string, msgs []types.Message, conversationModel string) {
	job := func() { uc.generateTitle(id, msgs, conversationModel) }
	if uc.pool == nil {
		go job()
		return
	}
	if err := uc.pool.Submit(job); err != nil {
		uc.log.Warn("failed to schedule title generation", zap.String("thread_id", id), zap.Error(err))
		uc.finishTitle(id, "", "failed")
	}
}

func (uc *ThreadUseCase) generateTitle(id string, msgs []types.Message, conversationModel string) {
	parent := context.Background()
	if uc.pool != nil {
		parent = uc.pool.Context()
	}

	models := []string{uc.cfg.Model}
	if conversationModel != "" && conversationModel != uc.cfg.Model {
		models = append(models, conversationModel)
	}
	if models[0] == "" {
		models = models[1:]
	}

	for i, model := range models {
		title, err := uc.tryTitle(parent, model, msgs)
		if err == nil {
			result := "generated"
			if i > 0 {
				result = "fallback"
			}
			uc.finishTitle(id, title, result)
			return
		}
		uc.log.Warn("title generation failed",
			zap.String("thread_id", id),
			zap.String("model", model),
			zap.Error(err),
		)
	}
	uc.finishTitle(id, "", "failed")
}

func (uc *ThreadUseCase) tryTitle(parent context.Context, model string, msgs []types.Message) (string, error) {
	ctx, cancel := context.WithTimeout(parent, uc.cfg.Timeout)
	defer cancel()

	raw, err := uc.titler.GenerateTitle(ctx, model, msgs)
	if err != nil {
		return "", err
	}
	title := CleanTitle(raw)
	if title == "" {
		return "", errors.New("model returned an empty title")
	}
	return title, nil
}

func (uc *ThreadUseCase) finishTitle(id, title, result string) {
	uc.metrics.Title(result)

	uc.mu.Lock()
	e, ok := uc.threads[id]
	if !ok {
		uc.mu.Unlock()
		return
	}
	e.title = titleDone
	// a manual rename wins over a late generated title
	if title == "" || !e.thread.HasPlaceholderTitle() {
		uc.mu.Unlock()
		return
	}
	e.thread.Title = title
	snapshot := e.thread.Clone()
	uc.mu.Unlock()

	uc.log.Info("thread titled", zap.String("thread_id", id), zap.String("title", title))
	uc.persist(context.Background(), snapshot.ID, true)
}

// persist writes the current in-memory state of a thread and, when announce
// is set, notifies subscribers. Both happen under writeMu, so a thread deleted
// in the meantime is neither written back nor announced.
func (uc *ThreadUseCase) persist(ctx context.Context, id string, announce bool) {
	uc.writeMu.Lock()
	defer uc.writeMu.Unlock()

	uc.mu.Lock()
	e, ok := uc.threads[id]
	if !ok {
		uc.mu.Unlock()
		return
	}
	thread := e.thread.Clone()
	uc.mu.Unlock()

	if err := uc.repo.Save(ctx, thread.Sanitized()); err != nil {
		uc.metrics.PersistFailed()
		fields := append(logger.Fields(logger.WithThreadID(ctx, id)), zap.Error(err))
		uc.log.Error("failed to persist thread", fields...)
		uc.notifyError(apperrors.Wrap(err, apperrors.ErrPersistFailed, "thread "+id))
	}
	if announce {
		uc.notifyThread(thread)
	}
}

func (uc *ThreadUseCase) notifyThread(thread *types.Thread) {
	if uc.notifier != nil {
		uc.notifier.NotifyThread(thread)
	}
}

func (uc *ThreadUseCase) notifyError(err error) {
	if uc.notifier != nil {
		uc.notifier.NotifyError(err)
	}
}

// CleanTitle normalises a model-generated title. It returns "" when nothing
// usable remains.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if len(title) >= 6 && strings.EqualFold(title[:6], "title:") {
		title = strings.TrimSpace(title[6:])
	}

	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"「", "」"}, {"*", "*"}} {
		if len(title) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(title, pair[0]) && strings.HasSuffix(title, pair[1]) {
			title = strings.TrimSpace(title[len(pair[0]) : len(title)-len(pair[1])])
		}
	}
	title = strings.TrimRight(title, ".。")

	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleRunes-3])) + "..."
	}
	return title
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
