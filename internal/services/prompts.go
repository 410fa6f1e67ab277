package services

import (
	"fmt"
	"strings"

	"tnpsc-study/internal/models"
)

const (
	maxUnitTextRunes    = 12000
	maxPromptPoints     = 60
	maxPromptPointRunes = 400
)

const analysisSystemPrompt = `You are an expert coach for the Tamil Nadu Public Service Commission (TNPSC) Group 1, 2, 2A and 4 examinations. You read study material and pull out what a candidate must remember: facts, dates, names, definitions, schemes and their significance for the TNPSC syllabus (history, polity, geography, economy, science, Tamil Nadu culture and current affairs).`

const questionSystemPrompt = `You write TNPSC-style objective questions. Every question is answerable from the supplied study points, has exactly one correct answer and avoids trick wording.`

const unitAnalysisSchema = `Respond with JSON only, no prose:
{"mainTopic":"","studyPoints":[{"title":"","description":"","importance":"high|medium|low","tnpscRelevance":""}],"summary":"","language":"","tnpscCategories":[""]}
Give 5 to 12 study points ordered by exam relevance.`

func languageInstruction(lang models.Language) string {
	if lang == models.LanguageTamil {
		return "Write every field value in Tamil. Keep proper nouns recognisable."
	}
	return "Write every field value in English."
}

func difficultyGuidance(d models.Difficulty) string {
	switch d {
	case models.DifficultyEasy:
		return "easy: direct recall of a single fact"
	case models.DifficultyHard:
		return "hard: combine two facts or apply a concept"
	case models.DifficultyVeryHard:
		return "very-hard: multi-step reasoning, close distractors, assertion-reason style allowed"
	default:
		return "medium: recall with some understanding of context"
	}
}

func buildUnitAnalysisPrompt(unit models.StudyUnit, content UnitContent, lang models.Language) string {
	var b strings.Builder
	switch {
	case unit.Kind == models.SourceImage:
		fmt.Fprintf(&b, "Analyze the attached study image %q (unit %d).\n", unit.FileName, unit.Index)
	case content.Text == "":
		fmt.Fprintf(&b, "Analyze the attached scan of page %d of %q (unit %d).\n", unit.Page, unit.FileName, unit.Index)
	default:
		fmt.Fprintf(&b, "Analyze page %d of %q (unit %d). Page text:\n\"\"\"\n%s\n\"\"\"\n",
			unit.Page, unit.FileName, unit.Index, sanitizeForPrompt(content.Text, maxUnitTextRunes))
	}
	b.WriteString(languageInstruction(lang))
	b.WriteString("\n")
	b.WriteString(unitAnalysisSchema)
	return b.String()
}

func writePoints(b *strings.Builder, points []models.StudyPoint) {
	for i, p := range points {
		if i >= maxPromptPoints {
			b.WriteString("- (additional points omitted)\n")
			break
		}
		fmt.Fprintf(b, "- [%s] %s\n", p.Importance, sanitizeForPrompt(p.KeyPoint(), maxPromptPointRunes))
	}
}

func questionShape(optionCount int) string {
	return fmt.Sprintf(`Respond with a JSON array only, no prose. Each element:
{"question":"","options":[%d strings],"correctAnswer":"one of the options, copied exactly","type":"mcq","difficulty":"","tnpscGroup":"Group 1|Group 2|Group 4","sourceUnit":0}
Options must be distinct.`, optionCount)
}

func buildAggregateQuestionPrompt(a *models.AggregateAnalysis, count int, difficulty models.Difficulty, optionCount int, lang models.Language) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", sanitizeForPrompt(a.MainTopic, 200))
	if a.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", sanitizeForPrompt(a.Summary, 1200))
	}
	fmt.Fprintf(&b, "Study points (from units %s):\n", joinInts(a.SourceUnits))
	writePoints(&b, a.Points)
	fmt.Fprintf(&b, "\nWrite %d multiple-choice questions. Difficulty %s.\n", count, difficultyGuidance(difficulty))
	b.WriteString("Set sourceUnit to the unit number the question draws on when you can tell, otherwise 0.\n")
	b.WriteString(languageInstruction(lang))
	b.WriteString("\n")
	b.WriteString(questionShape(optionCount))
	return b.String()
}

func buildUnitQuestionPrompt(u models.UnitAnalysis, count int, difficulty models.Difficulty, optionCount int, lang models.Language) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit %d topic: %s\n", u.UnitIndex, sanitizeForPrompt(u.MainTopic, 200))
	b.WriteString("Study points:\n")
	writePoints(&b, u.Points)
	fmt.Fprintf(&b, "\nWrite %d multiple-choice questions from this unit only. Difficulty %s.\n", count, difficultyGuidance(difficulty))
	b.WriteString(languageInstruction(lang))
	b.WriteString("\n")
	b.WriteString(questionShape(optionCount))
	return b.String()
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
