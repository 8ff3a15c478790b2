package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
)

const promptMaxFiles = 5

const systemPrompt = `You are MementoAI, an expert code archaeologist. You explain how a codebase evolved using only the commit history you are given.

When answering:
1. Answer the question directly from the commit evidence.
2. Point out patterns across commits: architecture decisions, bug fixes, features, refactors and technical debt.
3. Take the order in which changes happened into account.
4. Cite commits by their short SHA when you rely on them.
5. Stay technical but readable.

If the commits do not contain enough information, say what can be determined and what is missing.`

const noCommitsAnswer = `I couldn't find any relevant commits to answer your question. This might be because:

1. The repository hasn't been fully indexed yet
2. Your question doesn't match the available commit history
3. The similarity threshold is too high

Try rephrasing your question or lowering the similarity threshold.`

// fallbackAnswer is returned when generation fails after all attempts.
func fallbackAnswer(err error) string {
	return fmt.Sprintf("sorry i can't get it, try again: %v. Please try again or rephrase your question.", err)
}

// commitContext renders the retrieved commits in ranked order.
func commitContext(commits []domain.SimilarCommit) string {
	if len(commits) == 0 {
		return "No relevant commits found."
	}

	var b strings.Builder
	for i, c := range commits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Commit %d:\n", i+1)
		fmt.Fprintf(&b, "  SHA: %s\n", c.SHA)
		fmt.Fprintf(&b, "  Author: %s\n", c.Author)
		fmt.Fprintf(&b, "  Date: %s\n", c.CommitDate.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "  Message: %s\n", strings.TrimSpace(c.Message))
		fmt.Fprintf(&b, "  Similarity Score: %.2f\n", c.Similarity)
		fmt.Fprintf(&b, "  Changes: +%d -%d", c.Additions, c.Deletions)
		if files := formatFiles(c.FilesChanged); files != "" {
			fmt.Fprintf(&b, "\n  Files: %s", files)
		}
	}
	return b.String()
}

func formatFiles(files []string) string {
	if len(files) == 0 {
		return ""
	}
	if len(files) <= promptMaxFiles {
		return strings.Join(files, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(files[:promptMaxFiles], ", "), len(files)-promptMaxFiles)
}

// buildPrompt returns the system and user prompts for a question.
func buildPrompt(repo *domain.Repository, question string, commits []domain.SimilarCommit) (string, string) {
	var b strings.Builder
	b.WriteString("REPOSITORY ANALYSIS REQUEST:\n")
	fmt.Fprintf(&b, "Repository: %s (id %d)\n", repo.Slug(), repo.ID)
	fmt.Fprintf(&b, "Question: %q\n\n", question)
	b.WriteString("RELEVANT COMMIT HISTORY:\n")
	b.WriteString(commitContext(commits))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer using the commits above. Reference SHAs where relevant.\n\nANALYSIS:")
	return systemPrompt, b.String()
}
