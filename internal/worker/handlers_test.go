package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mail-triage/internal/inference"
	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/store"
	"mail-triage/internal/syncengine"
)

// --- fakes ---

type memConversations struct {
	byThread map[string]*models.Conversation
}

func newMemConversations() *memConversations {
	return &memConversations{byThread: map[string]*models.Conversation{}}
}

func (m *memConversations) Upsert(_ context.Context, c *models.Conversation) error {
	cp := *c
	if cp.Status == "" {
		cp.Status = models.StatusPending
	}
	if prev, ok := m.byThread[c.ThreadID]; ok {
		// Lifecycle fields survive re-classification, as in the real store.
		cp.Status = prev.Status
		cp.DraftID = prev.DraftID
		cp.ReworkCount = prev.ReworkCount
	}
	m.byThread[c.ThreadID] = &cp
	return nil
}

func (m *memConversations) GetByThread(_ context.Context, _ int64, threadID string) (*models.Conversation, error) {
	c, ok := m.byThread[threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConversations) UpdateStatus(_ context.Context, _ int64, threadID string, status models.LifecycleStatus) error {
	c, ok := m.byThread[threadID]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *memConversations) SetDraft(_ context.Context, _ int64, threadID, draftID string) error {
	c, ok := m.byThread[threadID]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.StatusDrafted
	c.DraftID = draftID
	return nil
}

func (m *memConversations) IncrementRework(_ context.Context, _ int64, threadID, draftID, note string) error {
	c, ok := m.byThread[threadID]
	if !ok || c.ReworkCount >= models.MaxReworks {
		return store.ErrNotFound
	}
	c.ReworkCount++
	c.DraftID = draftID
	c.LastReworkNote = note
	c.Status = models.StatusDrafted
	return nil
}

func (m *memConversations) SetMessageCount(_ context.Context, _ int64, threadID string, count int) error {
	if c, ok := m.byThread[threadID]; ok {
		c.MessageCount = count
	}
	return nil
}

func (m *memConversations) ListByStatus(_ context.Context, _ int64, status models.LifecycleStatus) ([]models.Conversation, error) {
	var out []models.Conversation
	for _, c := range m.byThread {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

type memAccounts struct {
	account models.Account
}

func (m *memAccounts) GetByID(_ context.Context, id int64) (*models.Account, error) {
	if id != m.account.ID {
		return nil, store.ErrNotFound
	}
	a := m.account
	return &a, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	if email != m.account.Email {
		return nil, store.ErrNotFound
	}
	a := m.account
	return &a, nil
}

func (m *memAccounts) ListActive(context.Context) ([]models.Account, error) {
	return []models.Account{m.account}, nil
}

type memLabels struct {
	labels map[string]string
}

func (m *memLabels) GetLabels(context.Context, int64) (map[string]string, error) {
	return m.labels, nil
}

func (m *memLabels) SetLabel(_ context.Context, _ int64, key, id string) error {
	m.labels[key] = id
	return nil
}

type labelOp struct {
	messageIDs []string
	add        []string
	remove     []string
}

type stubClient struct {
	messages    map[string]*mail.Message
	threads     map[string]*mail.Thread
	drafts      map[string]string
	threadDraft map[string]string // threadID -> notes body
	labelOps    []labelOp
	trashed     []string
	nextDraft   int
}

func newStubClient() *stubClient {
	return &stubClient{
		messages:    map[string]*mail.Message{},
		threads:     map[string]*mail.Thread{},
		drafts:      map[string]string{},
		threadDraft: map[string]string{},
	}
}

func (c *stubClient) ListChangesSince(context.Context, string, string) (*mail.ChangePage, error) {
	return &mail.ChangePage{}, nil
}

func (c *stubClient) GetMessage(_ context.Context, id string) (*mail.Message, error) {
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return m, nil
}

func (c *stubClient) GetThread(_ context.Context, threadID string) (*mail.Thread, error) {
	t, ok := c.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	return t, nil
}

func (c *stubClient) ApplyLabels(_ context.Context, messageIDs []string, add, remove []string) error {
	c.labelOps = append(c.labelOps, labelOp{messageIDs: messageIDs, add: add, remove: remove})
	return nil
}

func (c *stubClient) CreateDraft(_ context.Context, _, _, _, body, _ string) (string, error) {
	c.nextDraft++
	id := fmt.Sprintf("draft-%d", c.nextDraft)
	c.drafts[id] = body
	return id, nil
}

func (c *stubClient) TrashDraft(_ context.Context, draftID string) error {
	delete(c.drafts, draftID)
	c.trashed = append(c.trashed, draftID)
	return nil
}

func (c *stubClient) TrashThreadDrafts(context.Context, string) error { return nil }

func (c *stubClient) DraftExists(_ context.Context, draftID string) (bool, error) {
	_, ok := c.drafts[draftID]
	return ok, nil
}

func (c *stubClient) DraftBody(_ context.Context, draftID string) (string, error) {
	return c.drafts[draftID], nil
}

func (c *stubClient) ThreadDraft(_ context.Context, threadID string) (string, string, error) {
	return "notes", c.threadDraft[threadID], nil
}

func (c *stubClient) Search(context.Context, string, int64) ([]mail.MessageRef, error) {
	return nil, nil
}

func (c *stubClient) CurrentCursor(context.Context) (string, error) { return "1", nil }

func (c *stubClient) RegisterWatch(context.Context, string, []string) (*mail.WatchHandle, error) {
	return &mail.WatchHandle{ResourceID: "res", Cursor: "1", ExpiresAt: time.Now()}, nil
}

type stubService struct {
	client *stubClient
}

func (s stubService) ForAccount(context.Context, string) (mail.Client, error) {
	return s.client, nil
}

type stubInference struct {
	classification inference.Classification
	draftBody      string
	draftRequests  []inference.DraftRequest
}

func (s *stubInference) Classify(context.Context, inference.ClassifyRequest) (*inference.Classification, error) {
	c := s.classification
	return &c, nil
}

func (s *stubInference) ComposeDraft(_ context.Context, req inference.DraftRequest) (string, error) {
	s.draftRequests = append(s.draftRequests, req)
	return s.draftBody, nil
}

// --- fixture ---

type fixture struct {
	queue  *memQueue
	convs  *memConversations
	events *memEvents
	labels *memLabels
	client *stubClient
	inf    *stubInference
	h      *Handlers
}

func newFixture() *fixture {
	q := newMemQueue()
	convs := newMemConversations()
	events := &memEvents{}
	labels := &memLabels{labels: map[string]string{
		string(models.CategoryNeedsResponse):  "L_nr",
		string(models.CategoryActionRequired): "L_ar",
		string(models.CategoryFYI):            "L_fyi",
		string(models.CategoryWaiting):        "L_wait",
		models.LabelOutbox:                    "L_outbox",
		models.LabelRework:                    "L_rework",
		models.LabelDone:                      "L_done",
	}}
	client := newStubClient()
	inf := &stubInference{draftBody: "generated reply"}
	accounts := &memAccounts{account: models.Account{ID: 1, Email: "a@example.com", Active: true}}

	engine := syncengine.New(q, convs, events, &noCursors{}, labels, syncengine.Options{})
	h := NewHandlers(q, convs, events, accounts, labels, stubService{client: client}, inf, engine)

	return &fixture{queue: q, convs: convs, events: events, labels: labels, client: client, inf: inf, h: h}
}

type noCursors struct{}

func (noCursors) Get(context.Context, int64) (*models.SyncCursor, error) {
	return nil, store.ErrNotFound
}
func (noCursors) Advance(context.Context, int64, string) error             { return nil }
func (noCursors) SetWatch(context.Context, int64, string, time.Time) error { return nil }

func (f *fixture) seedThread(threadID string, msgs ...*mail.Message) {
	thread := &mail.Thread{ID: threadID}
	for _, m := range msgs {
		m.ThreadID = threadID
		f.client.messages[m.ID] = m
		thread.Messages = append(thread.Messages, *m)
	}
	f.client.threads[threadID] = thread
}

func (f *fixture) eventKinds(threadID string) []models.EventKind {
	evs, _ := f.events.ListByThread(context.Background(), 1, threadID)
	kinds := make([]models.EventKind, 0, len(evs))
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func classifyTask(threadID, messageID string) *models.Task {
	return &models.Task{
		ID: "task-c", Kind: models.KindClassify, AccountID: 1,
		Payload: map[string]any{
			models.PayloadThreadID:  threadID,
			models.PayloadMessageID: messageID,
		},
	}
}

// --- tests ---

func TestHandleClassifyQueuesDraftForNeedsResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.inf.classification = inference.Classification{
		Category:   models.CategoryNeedsResponse,
		Confidence: models.ConfidenceHigh,
		Rationale:  "direct question",
	}
	f.seedThread("t1", &mail.Message{
		ID: "m1", SenderEmail: "bob@example.com", Subject: "question",
		Body: "can you help?", LabelIDs: []string{"INBOX"}, ReceivedAt: time.Now(),
	})

	if err := f.h.HandleClassify(ctx, classifyTask("t1", "m1")); err != nil {
		t.Fatalf("classify: %v", err)
	}

	conv, err := f.convs.GetByThread(ctx, 1, "t1")
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Category != models.CategoryNeedsResponse || conv.Status != models.StatusPending {
		t.Fatalf("conversation = %+v, want pending needs_response", conv)
	}

	if len(f.client.labelOps) != 1 || f.client.labelOps[0].add[0] != "L_nr" {
		t.Fatalf("label ops = %+v, want category label applied", f.client.labelOps)
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventClassified {
		t.Fatalf("events = %v, want [classified]", kinds)
	}

	active, _ := f.queue.HasActive(ctx, models.KindDraft, 1, "t1")
	if !active {
		t.Fatal("draft task not queued for needs_response")
	}

	// A replay of the same classify task is a no-op.
	ops := len(f.client.labelOps)
	if err := f.h.HandleClassify(ctx, classifyTask("t1", "m1")); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(f.client.labelOps) != ops {
		t.Fatal("replay must not re-apply labels")
	}
}

func TestHandleClassifyNonResponseQueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.inf.classification = inference.Classification{
		Category:   models.CategoryFYI,
		Confidence: models.ConfidenceMedium,
	}
	f.seedThread("t1", &mail.Message{ID: "m1", SenderEmail: "bob@example.com", ReceivedAt: time.Now()})

	if err := f.h.HandleClassify(ctx, classifyTask("t1", "m1")); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if active, _ := f.queue.HasActive(ctx, models.KindDraft, 1, "t1"); active {
		t.Fatal("fyi conversation must not queue a draft")
	}
}

func TestHandleDraftCreatesAndMovesLabels(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "bob@example.com", Subject: "question",
		Category: models.CategoryNeedsResponse, Status: models.StatusPending,
	}
	f.seedThread("t1",
		&mail.Message{ID: "m1", SenderEmail: "bob@example.com", Body: "can you help?",
			Headers: map[string]string{"Message-ID": "<m1@x>"}},
		&mail.Message{ID: "m2", SenderEmail: "me@example.com", Body: "context",
			Headers: map[string]string{"Message-ID": "<m2@x>"}},
	)

	task := &models.Task{
		ID: "task-d", Kind: models.KindDraft, AccountID: 1,
		Payload: map[string]any{models.PayloadThreadID: "t1"},
	}
	if err := f.h.HandleDraft(ctx, task); err != nil {
		t.Fatalf("draft: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.Status != models.StatusDrafted || conv.DraftID == "" {
		t.Fatalf("conversation = %+v, want drafted with draft id", conv)
	}
	if f.client.drafts[conv.DraftID] != "generated reply" {
		t.Fatalf("draft body = %q", f.client.drafts[conv.DraftID])
	}

	if len(f.client.labelOps) != 1 {
		t.Fatalf("label ops = %d, want 1", len(f.client.labelOps))
	}
	op := f.client.labelOps[0]
	if len(op.messageIDs) != 2 {
		t.Fatalf("label op covers %v, want both thread messages", op.messageIDs)
	}
	if op.add[0] != "L_outbox" || op.remove[0] != "L_nr" {
		t.Fatalf("label op = %+v, want needs_response moved to outbox", op)
	}

	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventDraftCreated {
		t.Fatalf("events = %v, want [draft_created]", kinds)
	}

	// A replay sees the drafted status and does nothing.
	if err := f.h.HandleDraft(ctx, task); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(f.client.drafts) != 1 {
		t.Fatalf("drafts = %d, replay must not create another", len(f.client.drafts))
	}
}

func lifecycleTask(threadID, action string) *models.Task {
	return &models.Task{
		ID: "task-l", Kind: models.KindLifecycle, AccountID: 1,
		Payload: map[string]any{
			models.PayloadThreadID: threadID,
			models.PayloadAction:   action,
		},
	}
}

func TestHandleLifecycleDoneArchives(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		Category: models.CategoryNeedsResponse, Status: models.StatusDrafted, DraftID: "d1",
	}
	f.seedThread("t1", &mail.Message{ID: "m1"})

	if err := f.h.HandleLifecycle(ctx, lifecycleTask("t1", models.ActionDone)); err != nil {
		t.Fatalf("lifecycle done: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.Status != models.StatusArchived {
		t.Fatalf("status = %s, want archived", conv.Status)
	}

	if len(f.client.labelOps) != 1 {
		t.Fatalf("label ops = %d, want 1", len(f.client.labelOps))
	}
	removed := map[string]bool{}
	for _, id := range f.client.labelOps[0].remove {
		removed[id] = true
	}
	if !removed["INBOX"] || !removed["L_outbox"] || !removed["L_nr"] {
		t.Fatalf("removed = %v, want transient markers and INBOX stripped", f.client.labelOps[0].remove)
	}
	if removed["L_done"] {
		t.Fatal("done marker must survive archival")
	}

	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventArchived {
		t.Fatalf("events = %v, want [archived]", kinds)
	}
}

func TestHandleLifecycleSentDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		Category: models.CategoryNeedsResponse, Status: models.StatusDrafted, DraftID: "d1",
	}
	f.seedThread("t1", &mail.Message{ID: "m1"})
	// The draft is gone from the mailbox.

	if err := f.h.HandleLifecycle(ctx, lifecycleTask("t1", models.ActionCheckSent)); err != nil {
		t.Fatalf("check_sent: %v", err)
	}
	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", conv.Status)
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventSentDetected {
		t.Fatalf("events = %v, want [sent_detected]", kinds)
	}

	// Running the check again is a no-op: exactly one sent event.
	if err := f.h.HandleLifecycle(ctx, lifecycleTask("t1", models.ActionCheckSent)); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 1 {
		t.Fatalf("events after replay = %v, want still one", kinds)
	}
}

func TestHandleLifecycleWaitingRetriage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		Category: models.CategoryWaiting, Status: models.StatusPending, MessageCount: 1,
	}
	f.seedThread("t1", &mail.Message{ID: "m1"}, &mail.Message{ID: "m2"})

	if err := f.h.HandleLifecycle(ctx, lifecycleTask("t1", models.ActionWaiting)); err != nil {
		t.Fatalf("check_waiting: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", conv.MessageCount)
	}
	if active, _ := f.queue.HasActive(ctx, models.KindClassify, 1, "t1"); !active {
		t.Fatal("retriage must queue a classify task")
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventWaitingRetriaged {
		t.Fatalf("events = %v, want [waiting_retriaged]", kinds)
	}
}

func reworkTask(threadID string, manual bool) *models.Task {
	payload := map[string]any{
		models.PayloadThreadID:  threadID,
		models.PayloadMessageID: "m1",
	}
	if manual {
		payload[models.PayloadManual] = true
	}
	return &models.Task{ID: "task-r", Kind: models.KindRework, AccountID: 1, Payload: payload}
}

func TestHandleReworkRegenerates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "bob@example.com",
		Category:    models.CategoryNeedsResponse, Status: models.StatusDrafted,
		DraftID: "d1", ReworkCount: 0,
	}
	f.client.drafts["d1"] = "make it shorter\n" + reworkMarker + "\noriginal draft text"
	f.seedThread("t1", &mail.Message{ID: "m1", Headers: map[string]string{"Message-ID": "<m1@x>"}})
	f.inf.draftBody = "shorter reply"

	if err := f.h.HandleRework(ctx, reworkTask("t1", false)); err != nil {
		t.Fatalf("rework: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.Status != models.StatusDrafted || conv.ReworkCount != 1 {
		t.Fatalf("conversation = %+v, want drafted with count 1", conv)
	}
	if f.client.drafts[conv.DraftID] != "shorter reply" {
		t.Fatalf("new draft body = %q", f.client.drafts[conv.DraftID])
	}

	if len(f.inf.draftRequests) != 1 {
		t.Fatalf("compose calls = %d, want 1", len(f.inf.draftRequests))
	}
	req := f.inf.draftRequests[0]
	if req.Instructions != "make it shorter" || req.PriorDraft != "original draft text" {
		t.Fatalf("compose request = %+v, want feedback split at marker", req)
	}

	kinds := f.eventKinds("t1")
	want := []models.EventKind{models.EventDraftTrashed, models.EventDraftReworked}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Fatalf("events = %v, want %v", kinds, want)
	}

	// The rework marker moves to outbox.
	last := f.client.labelOps[len(f.client.labelOps)-1]
	if last.add[0] != "L_outbox" || last.remove[0] != "L_rework" {
		t.Fatalf("label op = %+v, want rework moved to outbox", last)
	}
}

func TestHandleReworkCeilingEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		Category: models.CategoryNeedsResponse, Status: models.StatusDrafted,
		DraftID: "d1", ReworkCount: models.MaxReworks,
	}
	f.client.drafts["d1"] = "still wrong"
	f.seedThread("t1", &mail.Message{ID: "m1"})

	if err := f.h.HandleRework(ctx, reworkTask("t1", false)); err != nil {
		t.Fatalf("rework at ceiling: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.Status != models.StatusSkipped {
		t.Fatalf("status = %s, want skipped", conv.Status)
	}
	if conv.ReworkCount != models.MaxReworks {
		t.Fatalf("rework count = %d, must not pass the ceiling", conv.ReworkCount)
	}
	if len(f.inf.draftRequests) != 0 {
		t.Fatal("no regeneration allowed at the ceiling")
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 1 || kinds[0] != models.EventReworkLimitReached {
		t.Fatalf("events = %v, want [rework_limit_reached]", kinds)
	}
	last := f.client.labelOps[len(f.client.labelOps)-1]
	if last.add[0] != "L_ar" {
		t.Fatalf("label op = %+v, want action_required escalation", last)
	}
}

func TestHandleReworkManualSkipsDraftedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.convs.byThread["t1"] = &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		Category: models.CategoryNeedsResponse, Status: models.StatusDrafted,
		DraftID: "d1", ReworkCount: 0,
	}
	// The needs-response label the classifier applied comes back through
	// the change feed looking like a user request; the thread's only draft
	// is the machine's own reply.
	f.client.drafts["d1"] = "auto draft text"
	f.client.threadDraft["t1"] = "auto draft text"
	f.seedThread("t1", &mail.Message{ID: "m1"})

	if err := f.h.HandleRework(ctx, reworkTask("t1", true)); err != nil {
		t.Fatalf("manual rework on drafted: %v", err)
	}

	conv, _ := f.convs.GetByThread(ctx, 1, "t1")
	if conv.ReworkCount != 0 || conv.Status != models.StatusDrafted || conv.DraftID != "d1" {
		t.Fatalf("conversation = %+v, want untouched", conv)
	}
	if len(f.inf.draftRequests) != 0 {
		t.Fatalf("compose requests = %+v, want none", f.inf.draftRequests)
	}
	if f.client.drafts["d1"] != "auto draft text" {
		t.Fatal("existing draft must not be replaced")
	}
	if kinds := f.eventKinds("t1"); len(kinds) != 0 {
		t.Fatalf("events = %v, want none", kinds)
	}
}

func TestHandleReworkManualSeedsConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seedThread("t1", &mail.Message{
		ID: "m1", SenderEmail: "bob@example.com", Subject: "request",
		Headers: map[string]string{"Message-ID": "<m1@x>"}, ReceivedAt: time.Now(),
	})
	f.client.threadDraft["t1"] = "please answer politely"
	f.inf.draftBody = "polite reply"

	if err := f.h.HandleRework(ctx, reworkTask("t1", true)); err != nil {
		t.Fatalf("manual rework: %v", err)
	}

	conv, err := f.convs.GetByThread(ctx, 1, "t1")
	if err != nil {
		t.Fatalf("conversation not seeded: %v", err)
	}
	if conv.Category != models.CategoryNeedsResponse || conv.Status != models.StatusDrafted {
		t.Fatalf("conversation = %+v, want drafted needs_response", conv)
	}
	if len(f.inf.draftRequests) != 1 || f.inf.draftRequests[0].Instructions != "please answer politely" {
		t.Fatalf("compose requests = %+v, want notes draft as instructions", f.inf.draftRequests)
	}
}
