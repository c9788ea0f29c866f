package arcade

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goodtune/playtime/internal/session"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policy/actions.rego
var defaultPolicy string

const decisionQuery = "data.playtime.actions.decision"

// ErrForbidden is returned when the policy denies an operation.
var ErrForbidden = errors.New("forbidden")

// Operations checked by the authorizer besides session actions.
const (
	OpView     = "view"
	OpList     = "list"
	OpCreate   = "create"
	OpActivate = "activate"
)

// Actor is the authenticated caller.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Authorizer decides whether actor may perform op on rec. rec is nil for
// operations that do not target an existing session.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, op string, rec *session.Record) error
}

// PolicyError carries the policy's denial reason.
type PolicyError struct {
	Op     string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrForbidden) match.
func (e *PolicyError) Is(target error) bool {
	return target == ErrForbidden
}

type decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// OPAAuthorizer evaluates the action policy with OPA.
type OPAAuthorizer struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewOPAAuthorizer loads *.rego files from policyDir, or the built-in
// policy when policyDir is empty.
func NewOPAAuthorizer(policyDir string, logger zerolog.Logger) (*OPAAuthorizer, error) {
	a := &OPAAuthorizer{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "authz").Logger(),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads and recompiles the policies.
func (a *OPAAuthorizer) Reload() error {
	modules, err := a.loadModules()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	a.mu.Lock()
	a.query = query
	a.mu.Unlock()

	source := a.policyDir
	if source == "" {
		source = "builtin"
	}
	a.logger.Info().Str("source", source).Int("modules", len(modules)).Msg("Action policy loaded")
	return nil
}

func (a *OPAAuthorizer) loadModules() (map[string]string, error) {
	if a.policyDir == "" {
		return map[string]string{"actions.rego": defaultPolicy}, nil
	}

	files, err := filepath.Glob(filepath.Join(a.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", a.policyDir)
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		a.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
		modules[file] = string(content)
	}
	return modules, nil
}

// Authorize evaluates the policy for one operation.
func (a *OPAAuthorizer) Authorize(ctx context.Context, actor Actor, op string, rec *session.Record) error {
	input := map[string]interface{}{
		"actor": map[string]interface{}{
			"id":       actor.ID,
			"username": actor.Username,
			"role":     actor.Role,
		},
		"action": op,
	}
	if rec != nil {
		input["session"] = map[string]interface{}{
			"id":        rec.ID,
			"status":    string(rec.Status),
			"player_id": rec.PlayerID,
		}
	}

	a.mu.RLock()
	query := a.query
	a.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return fmt.Errorf("no result from policy query")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return fmt.Errorf("failed to marshal policy decision: %w", err)
	}
	var d decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("failed to unmarshal policy decision: %w", err)
	}

	if !d.Allow {
		a.logger.Debug().
			Str("username", actor.Username).
			Str("role", actor.Role).
			Str("op", op).
			Str("reason", d.Reason).
			Msg("Operation denied")
		return &PolicyError{Op: op, Reason: d.Reason}
	}
	return nil
}
