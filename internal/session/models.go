// Package session is the sqlite-backed project/session/turn DAG store.
// Grounded on the original agnt-db crate (database.rs, migration.rs,
// models.rs, sessions.rs, provider_credentials.rs, store.rs), ported from
// rusqlite to database/sql + modernc.org/sqlite.
package session

// Project is a workspace root the agent has been run against.
type Project struct {
	ID          string
	RootDir     string
	Name        *string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// Session is a conversation thread within a project, pointing at the turn
// DAG's root and the currently checked-out turn.
type Session struct {
	ID            string
	ProjectID     string
	Title         *string
	RootTurnID    *string
	CurrentTurnID *string
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// Turn is one node of a session's turn DAG: a user message plus the
// assistant's response and the conversation state needed to resume from it.
// ParentTurnID is nil only for a session's root turn.
type Turn struct {
	ID                    string
	SessionID             string
	ParentTurnID          *string
	UserPartsJSON         string
	AssistantPartsJSON    string
	ConversationStateJSON string
	UsageJSON             *string
	CreatedAtMs           int64
}

// SessionOp is one entry in a session's append-only operation log, ordered
// by Seq.
type SessionOp struct {
	Seq         int64
	SessionID   string
	OpType      string
	PayloadJSON string
	CreatedAtMs int64
}

// TurnPathItem is one step along TurnPathToCurrent's root-to-current chain.
type TurnPathItem struct {
	Turn  Turn
	Depth int
}

// CreateSessionInput is the argument to CreateSession.
type CreateSessionInput struct {
	ProjectID string
	Title     *string
}

// AppendTurnInput is the argument to AppendTurn. ParentTurnID nil means
// "branch from the session's current checkout turn".
type AppendTurnInput struct {
	SessionID             string
	ParentTurnID          *string
	UserPartsJSON         string
	AssistantPartsJSON    string
	ConversationStateJSON string
	UsageJSON             *string
}

const (
	OpSessionCreated  = "session.created"
	OpSessionTitleSet = "session.title_set"
	OpTurnAppended    = "turn.appended"
	OpSessionCheckout = "session.checkout"
)

// ProviderCredential is a stored credential value for an LLM provider,
// keyed by provider id (e.g. "anthropic", "openai").
type ProviderCredential struct {
	ProviderID      string
	CredentialValue string
	CreatedAtMs     int64
	UpdatedAtMs     int64
}
