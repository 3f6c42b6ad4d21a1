package llm

import (
	"fmt"
	"strings"
)

const researchSystemPrompt = `You are a market researcher helping plan a new software product. You write short, precise web-search queries that uncover comparable products, their key features and common UI/UX patterns.`

const architectSystemPrompt = `You are a world-class product manager and software architect. You turn a user's request and supporting research into precise, structured planning documents. You always reply with a single raw JSON object and nothing else.`

const coderSystemPrompt = `You are an expert software engineer. You write complete, working source files that fit the project they belong to.

Return ONLY the raw content of the requested file. Do NOT add explanations, prose or markdown code fences.`

func ResearchQueriesMessages(prompt string) []Message {
	return []Message{
		{Role: RoleSystem, Content: researchSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(`A user wants to build the following project: "%s"

Write 3 to 5 concise web-search queries that would help research existing products similar to this request.

Respond with a JSON object of the form {"queries": ["query one", "query two"]}.`, prompt)},
	}
}

func RequirementsMessages(prompt, research string) []Message {
	if strings.TrimSpace(research) == "" {
		research = "No research results are available. Draw on your own knowledge of existing products."
	}
	return []Message{
		{Role: RoleSystem, Content: architectSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(`**Step 1: Research & Inspiration**
Using the research results below, identify 2-3 top-tier existing products or concepts similar to the user's request. Note their key features and the UI/UX patterns that make them successful.

**Step 2: Create the Project Requirements Document**
Using your research and the user's request, create a Project Requirements Document in JSON. The JSON object must include these exact keys:
- "projectName": string
- "description": string
- "inspiration": array of objects with "productName" and "keyFeatures" keys
- "coreFeatures": array of strings
- "techStack": array of strings
- "mockupPrompts": array of strings, each a detailed image-generation prompt for one visual mockup or image asset of the product

Research results:
%s

User Request: "%s"

Return ONLY the raw JSON object, without any markdown formatting or explanatory text.`, research, prompt)},
	}
}

func FilePlanMessages(requirements, prompt string) []Message {
	return []Message{
		{Role: RoleSystem, Content: architectSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(`Based on the following Project Requirements Document and the user's latest request, list every file that must be created to build the project, in the order they should be written.

Use paths relative to the project root with forward slashes. Include image assets (.png, .jpg, .jpeg or .webp) for any mockups or graphics the project needs. Do not include directories on their own.

Project Requirements Document:
%s

User Request: "%s"

Respond with a JSON object of the form {"files": ["index.html", "src/app.js"]}.`, requirements, prompt)},
	}
}

func FileContentMessages(requirements string, plan []string, prompt, path string) []Message {
	return []Message{
		{Role: RoleSystem, Content: coderSystemPrompt},
		{Role: RoleUser, Content: fmt.Sprintf(`Project Requirements Document:
%s

All files in the project:
%s

User Request: "%s"

Write the complete content of the file "%s". Respond with the raw file content only.`, requirements, formatPlan(plan), prompt, path)},
	}
}

func formatPlan(plan []string) string {
	if len(plan) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, p := range plan {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
