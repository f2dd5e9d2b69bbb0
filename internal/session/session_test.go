package session

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestUpsertProjectCreatesThenReuses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1, err := s.UpsertProject(ctx, "/work/repo", strPtr("repo"))
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if p1.ID == "" || p1.RootDir != "/work/repo" {
		t.Fatalf("unexpected project: %+v", p1)
	}

	p2, err := s.UpsertProject(ctx, "/work/repo", strPtr("repo"))
	if err != nil {
		t.Fatalf("UpsertProject (reuse): %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("expected same project id, got %q vs %q", p2.ID, p1.ID)
	}

	renamed, err := s.UpsertProject(ctx, "/work/repo", strPtr("renamed"))
	if err != nil {
		t.Fatalf("UpsertProject (rename): %v", err)
	}
	if renamed.ID != p1.ID || renamed.Name == nil || *renamed.Name != "renamed" {
		t.Fatalf("expected name update in place, got %+v", renamed)
	}
}

func TestCreateSessionRequiresExistingProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: "proj_missing"})
	var notFound *ErrProjectNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

// TestAppendTurnInvariant covers spec.md invariant 1: after AppendTurn
// succeeds, CurrentTurn reflects the new turn, the new turn's SessionID
// matches, and a turn.appended op was logged with a seq greater than all
// prior ops for the session.
func TestAppendTurnInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	project, err := s.UpsertProject(ctx, "/work/repo", nil)
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	sess, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	opsBefore, err := s.ListSessionOps(ctx, sess.ID, nil, 100)
	if err != nil {
		t.Fatalf("ListSessionOps: %v", err)
	}
	var maxSeqBefore int64
	for _, op := range opsBefore {
		if op.Seq > maxSeqBefore {
			maxSeqBefore = op.Seq
		}
	}

	turn, err := s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sess.ID,
		UserPartsJSON:         `[{"type":"text","text":"hi"}]`,
		AssistantPartsJSON:    `[{"type":"text","text":"hello"}]`,
		ConversationStateJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	current, err := s.CurrentTurn(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CurrentTurn: %v", err)
	}
	if current == nil || current.ID != turn.ID {
		t.Fatalf("expected current turn %q, got %+v", turn.ID, current)
	}
	if turn.SessionID != sess.ID {
		t.Fatalf("expected turn session id %q, got %q", sess.ID, turn.SessionID)
	}

	opsAfter, err := s.ListSessionOps(ctx, sess.ID, nil, 100)
	if err != nil {
		t.Fatalf("ListSessionOps: %v", err)
	}
	var appended *SessionOp
	for i := range opsAfter {
		if opsAfter[i].OpType == OpTurnAppended {
			appended = &opsAfter[i]
		}
	}
	if appended == nil {
		t.Fatalf("expected a turn.appended op, got %+v", opsAfter)
	}
	if appended.Seq <= maxSeqBefore {
		t.Fatalf("expected new op seq > %d, got %d", maxSeqBefore, appended.Seq)
	}
}

// TestSessionBranchScenario covers spec.md scenario S4: append T1<-T2 on a
// session, check out T1, then append T3. T3's parent should default to the
// checked-out turn (T1), the session's current turn moves to T3, the root
// stays T1 (set only once), and the turn path to current is [T1, T3].
func TestSessionBranchScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	project, err := s.UpsertProject(ctx, "/work/repo", nil)
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	sess, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	t1, err := s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sess.ID,
		UserPartsJSON:         `[]`,
		AssistantPartsJSON:    `[]`,
		ConversationStateJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("append t1: %v", err)
	}

	t2, err := s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sess.ID,
		UserPartsJSON:         `[]`,
		AssistantPartsJSON:    `[]`,
		ConversationStateJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("append t2: %v", err)
	}
	if t2.ParentTurnID == nil || *t2.ParentTurnID != t1.ID {
		t.Fatalf("expected t2 parent %q, got %+v", t1.ID, t2.ParentTurnID)
	}

	if _, err := s.CheckoutTurn(ctx, sess.ID, t1.ID); err != nil {
		t.Fatalf("CheckoutTurn: %v", err)
	}

	t3, err := s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sess.ID,
		UserPartsJSON:         `[]`,
		AssistantPartsJSON:    `[]`,
		ConversationStateJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("append t3: %v", err)
	}
	if t3.ParentTurnID == nil || *t3.ParentTurnID != t1.ID {
		t.Fatalf("expected t3 parent %q, got %+v", t1.ID, t3.ParentTurnID)
	}

	finalSess, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if finalSess.CurrentTurnID == nil || *finalSess.CurrentTurnID != t3.ID {
		t.Fatalf("expected current turn %q, got %+v", t3.ID, finalSess.CurrentTurnID)
	}
	if finalSess.RootTurnID == nil || *finalSess.RootTurnID != t1.ID {
		t.Fatalf("expected root turn to remain %q, got %+v", t1.ID, finalSess.RootTurnID)
	}

	path, err := s.TurnPathToCurrent(ctx, sess.ID)
	if err != nil {
		t.Fatalf("TurnPathToCurrent: %v", err)
	}
	if len(path) != 2 || path[0].Turn.ID != t1.ID || path[1].Turn.ID != t3.ID {
		ids := make([]string, len(path))
		for i, item := range path {
			ids[i] = item.Turn.ID
		}
		t.Fatalf("expected path [%s %s], got %v", t1.ID, t3.ID, ids)
	}
}

func TestAppendTurnRejectsParentFromAnotherSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	project, err := s.UpsertProject(ctx, "/work/repo", nil)
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	sessA, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("CreateSession A: %v", err)
	}
	sessB, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("CreateSession B: %v", err)
	}

	turnA, err := s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sessA.ID,
		UserPartsJSON:         `[]`,
		AssistantPartsJSON:    `[]`,
		ConversationStateJSON: `{}`,
	})
	if err != nil {
		t.Fatalf("append turnA: %v", err)
	}

	_, err = s.AppendTurn(ctx, AppendTurnInput{
		SessionID:             sessB.ID,
		ParentTurnID:          &turnA.ID,
		UserPartsJSON:         `[]`,
		AssistantPartsJSON:    `[]`,
		ConversationStateJSON: `{}`,
	})
	var mismatch *ErrParentTurnSessionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrParentTurnSessionMismatch, got %v", err)
	}
}

func TestSetSessionTitleIfMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	project, err := s.UpsertProject(ctx, "/work/repo", nil)
	if err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	sess, err := s.CreateSession(ctx, CreateSessionInput{ProjectID: project.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.SetSessionTitleIfMissing(ctx, sess.ID, "first title"); err != nil {
		t.Fatalf("SetSessionTitleIfMissing: %v", err)
	}
	if err := s.SetSessionTitleIfMissing(ctx, sess.ID, "second title"); err != nil {
		t.Fatalf("SetSessionTitleIfMissing (second): %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title == nil || *got.Title != "first title" {
		t.Fatalf("expected title to remain %q, got %+v", "first title", got.Title)
	}

	ops, err := s.ListSessionOps(ctx, sess.ID, nil, 100)
	if err != nil {
		t.Fatalf("ListSessionOps: %v", err)
	}
	count := 0
	for _, op := range ops {
		if op.OpType == OpSessionTitleSet {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one session.title_set op, got %d", count)
	}
}

func TestProviderCredentialUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.GetCredential(ctx, "anthropic"); err != nil || ok {
		t.Fatalf("expected no stored credential, got ok=%v err=%v", ok, err)
	}

	if err := s.UpsertCredential(ctx, "anthropic", "sk-first"); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	if err := s.UpsertCredential(ctx, "anthropic", "sk-second"); err != nil {
		t.Fatalf("UpsertCredential (replace): %v", err)
	}

	value, ok, err := s.GetCredential(ctx, "anthropic")
	if err != nil || !ok {
		t.Fatalf("GetCredential: ok=%v err=%v", ok, err)
	}
	if value != "sk-second" {
		t.Fatalf("expected replaced value, got %q", value)
	}

	record, err := s.GetCredentialRecord(ctx, "anthropic")
	if err != nil {
		t.Fatalf("GetCredentialRecord: %v", err)
	}
	if record == nil || record.CredentialValue != "sk-second" {
		t.Fatalf("unexpected record: %+v", record)
	}
}
