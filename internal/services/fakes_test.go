package services

import (
	"context"
	"fmt"
	"sync"

	"tnpsc-study/internal/models"
)

// scriptedGenerator answers each call with reply(n, req), n counting from 1.
type scriptedGenerator struct {
	mu       sync.Mutex
	calls    int
	requests []GenerationRequest
	reply    func(n int, req GenerationRequest) (string, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	return g.reply(n, req)
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// staticLoader serves unit text by index; indices listed in fail return an
// extraction error.
type staticLoader struct {
	fail map[int]bool
}

func (l staticLoader) LoadUnit(_ context.Context, unit models.StudyUnit) (UnitContent, error) {
	if l.fail[unit.Index] {
		return UnitContent{}, &ExtractionError{Unit: unit.Index, Err: fmt.Errorf("unreadable page")}
	}
	return UnitContent{Text: fmt.Sprintf("Study text of unit %d", unit.Index)}, nil
}

func pageUnits(n int) []models.StudyUnit {
	units := make([]models.StudyUnit, n)
	for i := range units {
		units[i] = models.StudyUnit{
			Index:    i + 1,
			Kind:     models.SourceDocumentPage,
			FileName: "notes.pdf",
			Page:     i + 1,
		}
	}
	return units
}

func unitJSON(topic string, points ...string) string {
	body := fmt.Sprintf(`{"mainTopic":%q,"summary":"About %s","language":"English","tnpscCategories":["History"],"studyPoints":[`, topic, topic)
	for i, p := range points {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"title":%q,"description":"detail","importance":"high"}`, p)
	}
	return body + "]}"
}
