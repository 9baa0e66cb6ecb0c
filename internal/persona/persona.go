// Package persona builds agent personas from seed fixtures, user intent and
// directory profiles.
package persona

import (
	"fmt"
	"regexp"
	"strings"
)

// Seed is a built-in fixture persona used when no real opponents are available.
type Seed struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	MBTI        string `json:"mbti"`
	Intent      string `json:"intent"`
	Style       string `json:"style"`
	Hobbies     string `json:"hobbies"`
}

// DefaultSeeds returns the built-in seed personas.
func DefaultSeeds() []Seed {
	return []Seed{
		{
			ID:          "seed_gentle_artist",
			DisplayName: "Gentle Artist",
			MBTI:        "INFP",
			Intent:      "Looking for a partner who understands creative inspiration",
			Style:       "gentle",
			Hobbies:     "painting, writing",
		},
		{
			ID:          "seed_rational_founder",
			DisplayName: "Rational Founder",
			MBTI:        "ENTJ",
			Intent:      "Looking for a soulmate in business",
			Style:       "decisive",
			Hobbies:     "business, technology",
		},
		{
			ID:          "seed_grumpy_boss",
			DisplayName: "Grumpy Boss",
			MBTI:        "ESTJ",
			Intent:      "Looking for someone who does as they are told",
			Style:       "domineering",
			Hobbies:     "golf, red wine",
		},
		{
			ID:          "seed_laidback_programmer",
			DisplayName: "Laid-back Programmer",
			MBTI:        "INTP",
			Intent:      "Looking for someone who won't interrupt my coding",
			Style:       "introverted",
			Hobbies:     "programming, games",
		},
		{
			ID:          "seed_passionate_traveler",
			DisplayName: "Passionate Traveler",
			MBTI:        "ENFP",
			Intent:      "Looking for a companion to travel the world with",
			Style:       "enthusiastic",
			Hobbies:     "travel, photography",
		},
	}
}

// GetSeed returns a seed persona by ID, or nil.
func GetSeed(id string) *Seed {
	for _, s := range DefaultSeeds() {
		if s.ID == id {
			return &s
		}
	}
	return nil
}

// Prompt renders the seed's roleplay persona.
func (s Seed) Prompt() string {
	return BuildAgentPersona(s.MBTI, s.Intent, s.DisplayName)
}

// BuildAgentPersona renders the roleplay prompt of an agent screening on its owner's behalf.
func BuildAgentPersona(mbti, intent, name string) string {
	return fmt.Sprintf(`Your name is %s. Your personality type is %s.
Your owner's current intent: %s
You are screening social matches on your owner's behalf. Your communication style must fit the traits of %s.
If the other side shows traits that conflict with your owner's intent, politely end the conversation and mark it as a mismatch.
If the other side seems a good fit, get to know them more deeply.`, name, mbti, intent, mbti)
}

// BuildPersonaFromBio renders a persona from a directory profile.
func BuildPersonaFromBio(nickname, bio, selfIntro string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your name is %s. This is your real personality profile:\n%s\n", nickname, bio)
	if selfIntro != "" {
		fmt.Fprintf(&b, "Self introduction: %s\n", selfIntro)
	}
	b.WriteString("You are taking part in a social matching event. Talk exactly according to the personality above and be yourself.")
	return b.String()
}

var mbtiPattern = regexp.MustCompile(`(?i)\b(INTJ|INTP|ENTJ|ENTP|INFJ|INFP|ENFJ|ENFP|ISTJ|ISFJ|ESTJ|ESFJ|ISTP|ISFP|ESTP|ESFP)\b`)

// UnknownMBTI is reported when a profile carries no recognizable type.
const UnknownMBTI = "UNKNOWN"

// ExtractMBTI finds the first personality type mentioned in a bio.
func ExtractMBTI(bio string) string {
	m := mbtiPattern.FindStringSubmatch(bio)
	if m == nil {
		return UnknownMBTI
	}
	return strings.ToUpper(m[1])
}
