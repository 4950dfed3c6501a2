package core

import (
	"fmt"
	"strings"
	"time"
)

// batchDelimiter separates per-task summaries when they are concatenated
// for reflection and final synthesis.
const batchDelimiter = "\n\n---\n\n"

// CurrentDate returns the as-of date injected into every prompt so the
// model anchors recency judgements.
func CurrentDate() string {
	return time.Now().Format("January 2, 2006")
}

func queryWriterPrompt(topic string, count int, asOfDate string) string {
	return fmt.Sprintf(`Your goal is to generate sophisticated and diverse web search queries for researching the topic below.

Instructions:
- Always prefer a single search query; only add more if the topic covers multiple distinct aspects.
- Generate at most %d queries.
- Each query should focus on one specific aspect of the topic.
- Queries should be diverse; do not generate near-duplicates.
- Ensure queries gather the most recent information available; the current date is %s.

Respond with a JSON object containing exactly these keys:
- "rationale": brief explanation of why these queries are relevant
- "query": a list of search query strings

Topic: %s`, count, asOfDate, topic)
}

func webSearcherPrompt(query string, asOfDate string) string {
	return fmt.Sprintf(`Conduct targeted web searches to gather the most recent, credible information on "%s" and synthesize it into a verifiable text artifact.

Instructions:
- The current date is %s.
- Consolidate key findings while meticulously tracking the source of each specific piece of information.
- The output should be a well-written summary based only on your search findings.`, query, asOfDate)
}

func reflectionPrompt(topic string, summaries string, asOfDate string) string {
	return fmt.Sprintf(`You are an expert research assistant analyzing summaries about "%s". The current date is %s.

Instructions:
- Identify knowledge gaps or areas that need deeper exploration.
- If the provided summaries are sufficient to answer the user's question, do not generate follow-up queries.
- If there is a knowledge gap, generate follow-up queries that would help expand understanding; they must be self-contained and include the context needed for a web search.

Respond with a JSON object containing exactly these keys:
- "is_sufficient": true or false
- "knowledge_gap": what information is missing or needs clarification
- "follow_up_queries": a list of specific questions to address the gap

Summaries:
%s`, topic, asOfDate, summaries)
}

func answerPrompt(topic string, summaries string, asOfDate string) string {
	return fmt.Sprintf(`Generate a high-quality answer to the user's question based on the provided research summaries. The current date is %s.

Instructions:
- You are the final step of a multi-step research process; do not mention that you are the final step.
- Generate the answer based only on the provided summaries and the user's question.
- Include the citation markers from the summaries in the answer exactly as they appear, in markdown format (for example: [apnews](https://vertexaisearch.cloud.google.com/id/0-0)).

User question: %s

Summaries:
%s`, asOfDate, topic, summaries)
}

// joinSummaries concatenates accumulated per-task texts with a visible
// delimiter between entries.
func joinSummaries(texts []string) string {
	return strings.Join(texts, batchDelimiter)
}
