package research

import (
	"fmt"
	"strings"

	"deep-research-agent/internal/domain"
)

func clarifyPrompt(conversation, date string) string {
	return strings.Join([]string{
		"These are the messages exchanged so far with the user asking for research:",
		"<Messages>",
		conversation,
		"</Messages>",
		"",
		"Today's date is " + date + ".",
		"",
		"Decide whether you need to ask the user one clarifying question before research starts,",
		"or whether the request already contains enough to begin.",
		"If a clarifying question was already asked in these messages, almost always proceed without asking another.",
		"",
		"Ask only when something is genuinely unclear:",
		"- acronyms, abbreviations or unknown terms whose meaning changes the research",
		"- scope that could reasonably mean very different things",
		"- a missing constraint the user obviously cares about (time range, region, audience)",
		"",
		"Rules:",
		"- Be concise. Ask for everything you need in a single message.",
		"- Use bullet points or a numbered list when asking about several things.",
		"- Never ask for information the user already gave.",
		"",
		"Output Contract:",
		"Return a JSON object with exactly these keys:",
		`- "need_clarification": boolean`,
		`- "question": the clarifying question, or "" when none is needed`,
		`- "verification": when no clarification is needed, a short message telling the user research is starting`,
		"  and restating your understanding of the request; otherwise \"\"",
	}, "\n")
}

func briefPrompt(conversation, date string) string {
	return strings.Join([]string{
		"These are the messages exchanged so far with the user:",
		"<Messages>",
		conversation,
		"</Messages>",
		"",
		"Today's date is " + date + ".",
		"",
		"Turn these messages into a detailed research brief that will steer the research.",
		"",
		"Guidelines:",
		"- Include every preference and constraint the user stated explicitly.",
		"- Where a dimension matters but the user left it open, say it is open-ended instead of inventing a constraint.",
		"- Do not add requirements the user never expressed.",
		"- Write in the first person, from the user's perspective.",
		"- Name the kinds of sources to prefer: primary sources, official sites, original papers, reputable outlets.",
		"",
		"Output Contract:",
		`Return a JSON object with one key, "research_brief", holding the brief as a single string.`,
	}, "\n")
}

func leadResearcherPrompt(date string, maxConcurrent, maxIterations int) string {
	return strings.Join([]string{
		"You are a research supervisor. Your job is to gather information for the user's research brief",
		"by delegating focused topics to sub-researchers. Today's date is " + date + ".",
		"",
		"Tools:",
		"1. ConductResearch: delegate one self-contained research topic to a sub-researcher.",
		"2. ResearchComplete: signal that the findings are sufficient.",
		"3. think_tool: reflect on progress and plan next steps. Call it alone, never alongside other tools.",
		"",
		"How to work:",
		"- Read the brief and decide what information is needed.",
		"- Before calling ConductResearch, use think_tool to plan how to split the work.",
		"- After each round of research, use think_tool to assess what you learned and what is missing.",
		"- Prefer a single researcher for simple questions. Parallelise only clearly independent topics,",
		"  such as separate items in a comparison.",
		"- Each ConductResearch topic must stand alone: the sub-researcher cannot see the brief or other topics.",
		"  Spell out every detail, avoid acronyms, and be specific.",
		"",
		"Limits:",
		fmt.Sprintf("- Use at most %d parallel ConductResearch calls per round.", maxConcurrent),
		fmt.Sprintf("- Stop after %d rounds even if the research feels incomplete.", maxIterations),
		"- Call ResearchComplete as soon as you can answer the brief confidently.",
	}, "\n")
}

func researcherPrompt(date string, maxSearches int) string {
	return strings.Join([]string{
		"You are a research assistant investigating one topic. Today's date is " + date + ".",
		"",
		"Tools:",
		"1. tavily_search: web search returning summarised sources.",
		"2. think_tool: reflect after each search and plan the next step.",
		"",
		"How to work:",
		"- Start with broad searches, then narrow down to fill gaps.",
		"- After every search, use think_tool to note what you found, what is missing and whether to continue.",
		"- Stop when you can answer the topic well, when the last two searches returned similar information,",
		fmt.Sprintf("  or after %d searches.", maxSearches),
		"- Do not call think_tool in parallel with other tools.",
	}, "\n")
}

func summarizePrompt(content, date string) string {
	return strings.Join([]string{
		"Summarise the raw content of the web page below for a researcher. Today's date is " + date + ".",
		"",
		"<webpage_content>",
		content,
		"</webpage_content>",
		"",
		"Guidelines:",
		"- Keep the central topic, key facts, statistics, dates and conclusions.",
		"- Keep important quotes from credible sources.",
		"- Aim for roughly a quarter of the original length unless it is already short.",
		"",
		"Output Contract:",
		`Return a JSON object with "summary" (the summary text) and "key_excerpts"`,
		"(up to five verbatim quotes or passages joined into one string).",
	}, "\n")
}

func compressSystemPrompt(date string) string {
	return strings.Join([]string{
		"You are a research assistant who has finished researching a topic with tool calls and web searches.",
		"Today's date is " + date + ".",
		"",
		"Clean up the findings without losing any relevant statement or fact.",
		"",
		"Rules:",
		"- Keep every piece of relevant information, verbatim where possible.",
		"- Remove only clearly irrelevant or duplicated material.",
		"- Cite sources inline with numbered markers and list them at the end as [n] Title: URL.",
		"- Number sources sequentially without gaps.",
		"",
		"Output format:",
		"**List of Queries and Tool Calls Made**",
		"**Fully Comprehensive Findings**",
		"**List of All Relevant Sources (with citations in the report)**",
	}, "\n")
}

func compressUserMessage(topic string) string {
	return strings.Join([]string{
		"All of the messages above are about research conducted on this topic:",
		topic,
		"",
		"Clean up these findings. Keep all relevant information verbatim, just in a cleaner format.",
	}, "\n")
}

func finalReportPrompt(brief, findings, date string) string {
	return strings.Join([]string{
		"Write a comprehensive answer to the research brief below using the findings provided.",
		"",
		"<Research Brief>",
		brief,
		"</Research Brief>",
		"",
		"Today's date is " + date + ".",
		"",
		"<Findings>",
		findings,
		"</Findings>",
		"",
		"Requirements:",
		"- Write in the same language as the research brief.",
		"- Use markdown: a # title, ## sections and ### subsections.",
		"- Be thorough and specific. Explain rather than list where it helps.",
		"- Structure the report to fit the question: a comparison gets sections per item and a comparison,",
		"  a list gets one section per entry, an overview gets topical sections.",
		"- Do not refer to yourself or describe how the report was produced.",
		"",
		"Citations:",
		"- Give each unique URL one number in the text, e.g. [1].",
		"- End with a ### Sources section listing [n] Title: URL, numbered sequentially without gaps.",
	}, "\n")
}

// transcript renders user and assistant turns as plain text.
func transcript(msgs []domain.ChatMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case domain.RoleUser:
			lines = append(lines, "User: "+content)
		case domain.RoleAssistant:
			lines = append(lines, "Assistant: "+content)
		}
	}
	return strings.Join(lines, "\n")
}
