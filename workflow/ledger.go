package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Ledger merges the tokens produced during the current execution pass with the
// durably stored tokens of the same process instance.
//
// Memory-only tokens describe branches that have not reached a join yet.
// Tokens recorded at a join are written through to the store, so a join
// evaluated in another process sees them too.
type Ledger struct {
	store  TokenStore
	logger *zap.Logger

	mu     sync.Mutex
	passes map[string]*ledgerPass
}

type ledgerPass struct {
	refs   int
	tokens map[string]*ledgerEntry
}

type ledgerEntry struct {
	token     *Token
	persisted bool
}

// NewLedger creates a ledger backed by store
func NewLedger(store TokenStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  store,
		logger: logger.With(zap.String("component", "token_ledger")),
		passes: make(map[string]*ledgerPass),
	}
}

// Begin opens an execution pass for an instance. The returned func closes it;
// memory tokens are dropped when the last open pass closes.
func (l *Ledger) Begin(instanceID string) func() {
	l.mu.Lock()
	p := l.passLocked(instanceID)
	p.refs++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if p, ok := l.passes[instanceID]; ok {
				p.refs--
				if p.refs <= 0 {
					delete(l.passes, instanceID)
				}
			}
		})
	}
}

func (l *Ledger) passLocked(instanceID string) *ledgerPass {
	p, ok := l.passes[instanceID]
	if !ok {
		p = &ledgerPass{tokens: make(map[string]*ledgerEntry)}
		l.passes[instanceID] = p
	}
	return p
}

// Track records a token in memory only
func (l *Ledger) Track(token *Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.passLocked(token.ProcessInstanceID)
	if e, ok := p.tokens[token.ID]; ok {
		e.token = token.Clone()
		return
	}
	p.tokens[token.ID] = &ledgerEntry{token: token.Clone()}
}

// Record writes a token through to the store and keeps it in memory
func (l *Ledger) Record(ctx context.Context, token *Token) error {
	if err := l.store.SaveToken(ctx, token.Clone()); err != nil {
		return fmt.Errorf("save token %s: %w", token.ID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.passLocked(token.ProcessInstanceID)
	p.tokens[token.ID] = &ledgerEntry{token: token.Clone(), persisted: true}
	return nil
}

// Lookup returns the merged view of a single token. A token counts as done if
// either copy is done.
func (l *Ledger) Lookup(ctx context.Context, instanceID, tokenID string) (*Token, error) {
	stored, err := l.store.FindToken(ctx, instanceID, tokenID)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return nil, fmt.Errorf("find token %s: %w", tokenID, err)
	}

	l.mu.Lock()
	var mem *Token
	if p, ok := l.passes[instanceID]; ok {
		if e, ok := p.tokens[tokenID]; ok {
			mem = e.token.Clone()
		}
	}
	l.mu.Unlock()

	switch {
	case stored == nil && mem == nil:
		return nil, ErrTokenNotFound
	case stored == nil:
		return mem, nil
	case mem == nil:
		return stored, nil
	}

	merged := mem
	merged.Done = mem.Done || stored.Done
	if stored.Done {
		merged.Suspended = false
	}
	return merged, nil
}

// ActiveTokens returns the union of stored and memory tokens of an instance,
// deduplicated by token ID, excluding done tokens. The result is sorted by
// creation time then ID.
//
// It only reads ledger state, so it is safe to call without the instance
// lock; the result is then a point-in-time view.
func (l *Ledger) ActiveTokens(ctx context.Context, instanceID string) ([]*Token, error) {
	stored, err := l.store.FindActiveTokens(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("find active tokens: %w", err)
	}

	merged := make(map[string]*Token, len(stored))
	for _, t := range stored {
		merged[t.ID] = t.Clone()
	}

	l.mu.Lock()
	if p, ok := l.passes[instanceID]; ok {
		for id, e := range p.tokens {
			_, inStore := merged[id]
			switch {
			case e.token.Done:
				delete(merged, id)
			case inStore:
				// same logical arrival, keep the fresher memory copy
				merged[id] = e.token.Clone()
			case e.persisted:
				// 已写入存储却不在活跃集合中：已在别处消费，或读取早于写入。
				// 两种情况都只从结果中排除，不改动内存副本
			default:
				merged[id] = e.token.Clone()
			}
		}
	}
	l.mu.Unlock()

	result := make([]*Token, 0, len(merged))
	for _, t := range merged {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// MarkDone consumes tokens in the store and in memory.
// Callers must hold the process instance lock.
func (l *Ledger) MarkDone(ctx context.Context, tokens ...*Token) error {
	if len(tokens) == 0 {
		return nil
	}

	done := make([]*Token, 0, len(tokens))
	for _, t := range tokens {
		c := t.Clone()
		c.Done = true
		c.Suspended = false
		done = append(done, c)
	}

	if err := l.store.MarkDone(ctx, done...); err != nil {
		return fmt.Errorf("mark tokens done: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range done {
		p := l.passLocked(t.ProcessInstanceID)
		p.tokens[t.ID] = &ledgerEntry{token: t.Clone(), persisted: true}
	}

	l.logger.Debug("tokens consumed", zap.Int("count", len(done)))
	return nil
}

// Forget drops all memory tokens of an instance
func (l *Ledger) Forget(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.passes, instanceID)
}
