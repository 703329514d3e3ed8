package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/projection"
)

// Scheduler ranks available work and hands it to requesting agents. It
// owns no state: candidates come from projections and every claim is an
// event append guarded by the item's version token, so racing agents
// settle at the store.
type Scheduler struct {
	Engine engine.Engine
	Now    func() time.Time
}

func New(e engine.Engine) Scheduler {
	return Scheduler{Engine: e, Now: time.Now}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Candidate is one ranked claimable item.
type Candidate struct {
	Item       domain.WorkItem
	SkillScore int
	Priority   int
}

var claimableStatuses = map[string]bool{
	domain.StatusNew:     true,
	domain.StatusBacklog: true,
	domain.StatusReady:   true,
}

// ClaimNext claims the best available item for an agent. It tries up to
// the configured attempt budget of ranked candidates; a conflict on one
// means another agent won that race and the next candidate is tried.
// ErrNoWork is returned when the queue is exhausted.
func (s Scheduler) ClaimNext(ctx context.Context, agentID, agentKind string, capabilities []string) (domain.WorkItem, error) {
	if agentID == "" {
		return domain.WorkItem{}, domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	candidates, err := s.Candidates(ctx, capabilities)
	if err != nil {
		return domain.WorkItem{}, err
	}
	window := s.Engine.Config.Scheduler.CandidateWindow
	if window > 0 && len(candidates) > window {
		candidates = candidates[:window]
	}
	attempts := s.Engine.Config.Scheduler.ClaimAttempts
	if attempts <= 0 {
		attempts = len(candidates)
	}
	tried := 0
	for _, cand := range candidates {
		if tried >= attempts {
			break
		}
		tried++
		item, err := s.claim(ctx, cand.Item, agentID, agentKind)
		if err != nil {
			var conflict domain.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return domain.WorkItem{}, err
		}
		return item, nil
	}
	return domain.WorkItem{}, domain.ErrNoWork
}

// Candidates returns claimable items ranked by (skill match desc,
// priority desc, age desc). Items with unresolved dependencies or an
// active claim are skipped.
func (s Scheduler) Candidates(ctx context.Context, capabilities []string) ([]Candidate, error) {
	ids, err := s.Engine.Store.EntityIDs(ctx, domain.KindWorkItem)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(s.Engine.Config.Scheduler.LeaseTTLSeconds) * time.Second
	now := s.now()
	items := make(map[string]domain.WorkItem, len(ids))
	for _, id := range ids {
		w, err := s.Engine.Projections.WorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		items[id] = w
	}
	var out []Candidate
	for _, w := range items {
		if !claimableStatuses[w.Status] {
			continue
		}
		if w.AssigneeID != "" {
			continue
		}
		if projection.HasActiveClaim(w, ttl, now) {
			continue
		}
		if !dependenciesDone(w, items) {
			continue
		}
		out = append(out, Candidate{
			Item:       w,
			SkillScore: SkillMatch(w, capabilities),
			Priority:   s.Engine.PriorityScore(w),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SkillScore != out[j].SkillScore {
			return out[i].SkillScore > out[j].SkillScore
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Item.CreatedAt < out[j].Item.CreatedAt
	})
	return out, nil
}

func dependenciesDone(w domain.WorkItem, items map[string]domain.WorkItem) bool {
	for _, dep := range w.DependsOn {
		d, ok := items[dep]
		if !ok {
			return false
		}
		if d.Status != domain.StatusDone && d.Status != domain.StatusCancelled {
			return false
		}
	}
	return true
}

// SkillMatch is the coarse capability heuristic: 3 for a keyword in the
// title, 2 in the description, 1 otherwise. No capabilities means every
// item scores 1. The formula is replaceable policy, not contract.
func SkillMatch(w domain.WorkItem, capabilities []string) int {
	if len(capabilities) == 0 {
		return 1
	}
	title := strings.ToLower(w.Title)
	desc := strings.ToLower(w.Description)
	best := 1
	for _, cap := range capabilities {
		kw := strings.ToLower(strings.TrimSpace(cap))
		if kw == "" {
			continue
		}
		switch {
		case strings.Contains(title, kw):
			return 3
		case strings.Contains(desc, kw) && best < 2:
			best = 2
		}
	}
	return best
}

// claim appends the claim event under the candidate's version token and
// walks the item into in_progress. The follow-up events chain on the
// claim event's id so only the claim itself can lose a race.
func (s Scheduler) claim(ctx context.Context, w domain.WorkItem, agentID, agentKind string) (domain.WorkItem, error) {
	token := uuid.New().String()
	evt, replayed, err := s.Engine.Claim(ctx, w.ID, agentID, w.VersionToken, token)
	if err != nil {
		return domain.WorkItem{}, err
	}
	version := evt.ID
	if replayed {
		return s.Engine.Projections.WorkItem(ctx, w.ID)
	}
	res, err := s.Engine.Assign(ctx, engine.AssignOptions{
		WorkID:           w.ID,
		AssigneeID:       agentID,
		AssigneeKind:     agentKind,
		ExpectedVersion:  version,
		ActorID:          agentID,
		Reason:           "claimed from queue",
		IdempotencyToken: token + ".assign",
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	version = res.Item.VersionToken
	for i, status := range pathToInProgress(res.Item.Status) {
		res, err = s.Engine.SetStatus(ctx, engine.StatusOptions{
			WorkID:           w.ID,
			NewStatus:        status,
			ExpectedVersion:  version,
			ActorID:          agentID,
			Reason:           "claimed from queue",
			IdempotencyToken: token + ".status" + statusSuffix(i),
		})
		if err != nil {
			return domain.WorkItem{}, err
		}
		version = res.Item.VersionToken
	}
	return res.Item, nil
}

func statusSuffix(i int) string {
	return string(rune('a' + i))
}

// pathToInProgress returns the status edges to walk from the current
// status into in_progress.
func pathToInProgress(from string) []string {
	switch from {
	case domain.StatusNew:
		return []string{domain.StatusReady, domain.StatusInProgress}
	case domain.StatusBacklog:
		return []string{domain.StatusReady, domain.StatusInProgress}
	case domain.StatusReady:
		return []string{domain.StatusInProgress}
	}
	return nil
}
