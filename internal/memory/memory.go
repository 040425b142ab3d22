// Package memory provides the MemoryService collaborator (§1
// Non-goals: vector/semantic memory — embedding generation and
// similarity search — is explicitly out of scope for the core). This
// package supplies the thin interface's trivial implementation so the
// AgentExecutor always has a legitimate, non-nil collaborator to call;
// a real vector-backed MemoryService is a side-service swapped in at
// wiring time behind the same hiboss.MemoryService contract.
package memory

import (
	"context"
	"sync"

	"github.com/evilpsycho42/hiboss"
)

// NoopService implements hiboss.MemoryService by doing nothing. Read
// always returns "", so the executor never appends anything to the
// system prompt.
type NoopService struct{}

// New constructs a NoopService.
func New() NoopService { return NoopService{} }

func (NoopService) Read(ctx context.Context, agentName, query string) (string, error) { return "", nil }
func (NoopService) Write(ctx context.Context, agentName, topic, content string) error  { return nil }
func (NoopService) Clear(ctx context.Context, agentName string) error                  { return nil }

// KeywordService is a minimal, non-vector stand-in: it stores free-text
// notes per agent in memory and returns any whose content shares a word
// with the query, newline-joined. It exists so `memory.read`/
// `memory.write`/`memory.clear` (§6.3) have somewhere to act during
// development and testing without a real embedding backend; it is not
// the similarity search the Non-goal excludes, since it does no
// embedding and no ranking beyond a literal word match.
type KeywordService struct {
	mu    sync.Mutex
	notes map[string][]string // agentName -> content entries
}

// NewKeyword constructs an empty KeywordService.
func NewKeyword() *KeywordService {
	return &KeywordService{notes: map[string][]string{}}
}

func (s *KeywordService) Write(ctx context.Context, agentName, topic, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := content
	if topic != "" {
		entry = topic + ": " + content
	}
	s.notes[agentName] = append(s.notes[agentName], entry)
	return nil
}

func (s *KeywordService) Read(ctx context.Context, agentName, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.notes[agentName]
	if len(entries) == 0 {
		return "", nil
	}
	queryWords := splitWords(query)
	if len(queryWords) == 0 {
		return joinRecent(entries, 5), nil
	}
	var matches []string
	for _, e := range entries {
		if shareWord(splitWords(e), queryWords) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	return joinRecent(matches, 5), nil
}

func (s *KeywordService) Clear(ctx context.Context, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, agentName)
	return nil
}

func joinRecent(entries []string, max int) string {
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	out := ""
	for i, e := range entries {
		if i > 0 {
			out += "\n"
		}
		out += e
	}
	return out
}

func splitWords(s string) map[string]bool {
	words := map[string]bool{}
	start := -1
	for i, r := range s + " " {
		isWord := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord {
			if start == -1 {
				start = i
			}
		} else if start != -1 {
			words[toLower(s[start:i])] = true
			start = -1
		}
	}
	return words
}

func shareWord(a, b map[string]bool) bool {
	for w := range a {
		if b[w] {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

var _ hiboss.MemoryService = NoopService{}
var _ hiboss.MemoryService = (*KeywordService)(nil)
