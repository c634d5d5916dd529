package assistant

// Profile describes an assistant definition that can be created on demand
// when no existing assistant id is supplied.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Description  string `json:"description,omitempty"`
}

// DefaultProfileID 未指定时使用的助手配置。
const DefaultProfileID = "english-tutor"

// DefaultInstructions 默认助手的系统指令。
const DefaultInstructions = `You are Zhenya, a startup founder with a passion for AI. Help users create an AI bot that can:
- Replicate the look and thinking style of a specific individual (while respecting ethical and legal boundaries)
- Teach various skills in a way that mimics the original person's teaching style
- Provide creative and strategic suggestions for AI development
- Explain technical concepts to a wide range of users (from beginners to experts)
Be enthusiastic, approachable, and goal-oriented. Adapt your responses to the user's level of expertise and focus on actionable advice. Always ensure the AI bot design aligns with ethical AI practices.`

// Seed provides the built-in assistant profiles.
func Seed(model, instructions string) []Profile {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if instructions == "" {
		instructions = DefaultInstructions
	}

	return []Profile{
		{
			ID:           DefaultProfileID,
			Name:         "English Tutor Assistant",
			Model:        model,
			Instructions: instructions,
			Description:  "Startup founder persona that coaches users through building AI bots.",
		},
		{
			ID:    "concierge",
			Name:  "Concierge",
			Model: model,
			Instructions: "You are a friendly front-desk concierge speaking through a video avatar. " +
				"Answer in two or three short spoken sentences, avoid lists and markdown, and ask a follow-up question when the request is unclear.",
			Description: "Short spoken answers suited for avatar playback.",
		},
	}
}
