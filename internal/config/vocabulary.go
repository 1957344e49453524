package config

import (
	"errors"
	"fmt"
	"strings"
)

// VocabularyConfig is the lookup data the sentence assembler resolves
// tokens with. Phrases are matched before single-token words; grammar rules
// are tried in order and at most one fires per sentence.
type VocabularyConfig struct {
	Phrases []PhraseConfig      `yaml:"phrases"`
	Words   map[string]string   `yaml:"words"`
	Grammar []GrammarRuleConfig `yaml:"grammar"`
}

type PhraseConfig struct {
	Tokens []string `yaml:"tokens"`
	Text   string   `yaml:"text"`
}

// GrammarRuleConfig prepends Prefix when any resolved word is in Triggers
// and none is in Blockers.
type GrammarRuleConfig struct {
	Name     string   `yaml:"name"`
	Prefix   string   `yaml:"prefix"`
	Triggers []string `yaml:"triggers"`
	Blockers []string `yaml:"blockers"`
}

func DefaultVocabulary() VocabularyConfig {
	return VocabularyConfig{
		Phrases: []PhraseConfig{
			{Tokens: []string{"I", "LOVE", "YOU"}, Text: "I love you"},
			{Tokens: []string{"THANK_YOU", "VERY", "MUCH"}, Text: "thank you very much"},
			{Tokens: []string{"NICE", "MEET", "YOU"}, Text: "nice to meet you"},
			{Tokens: []string{"WHAT", "YOUR", "NAME"}, Text: "what is your name?"},
			{Tokens: []string{"I", "NOT", "UNDERSTAND"}, Text: "I don't understand"},
			{Tokens: []string{"YOU", "HELP", "ME", "PLEASE"}, Text: "can you help me please?"},
			{Tokens: []string{"HOW", "YOU"}, Text: "how are you?"},
			{Tokens: []string{"EXCUSE", "ME"}, Text: "excuse me"},
			{Tokens: []string{"I", "SORRY"}, Text: "I'm sorry"},
		},
		Words: map[string]string{
			"I":                 "I",
			"ILY":               "I love you",
			"HOW_ARE_YOU":       "how are you?",
			"I_DONT_KNOW":       "I don't know",
			"I_UNDERSTAND":      "I understand",
			"I_DONT_UNDERSTAND": "I don't understand",
			"MY_NAME":           "my name is",
		},
		Grammar: []GrammarRuleConfig{
			{
				Name:     "state",
				Prefix:   "I am",
				Triggers: []string{"hungry", "thirsty", "tired", "happy", "sad", "sick", "hurt", "angry", "scared"},
				Blockers: []string{"i", "i'm", "you", "he", "she", "we", "they", "it", "am", "is", "are", "was", "feel"},
			},
			{
				Name:     "need",
				Prefix:   "I need",
				Triggers: []string{"help", "water", "food", "bathroom", "doctor"},
				Blockers: []string{"i", "need"},
			},
		},
	}
}

func (v VocabularyConfig) Validate() error {
	for i, p := range v.Phrases {
		if len(p.Tokens) == 0 {
			return fmt.Errorf("vocabulary.phrases[%d].tokens must not be empty", i)
		}
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("vocabulary.phrases[%d].text must not be empty", i)
		}
	}
	for i, r := range v.Grammar {
		if strings.TrimSpace(r.Prefix) == "" {
			return fmt.Errorf("vocabulary.grammar[%d].prefix must not be empty", i)
		}
		if len(r.Triggers) == 0 {
			return fmt.Errorf("vocabulary.grammar[%d].triggers must not be empty", i)
		}
	}
	for token := range v.Words {
		if strings.TrimSpace(token) == "" {
			return errors.New("vocabulary.words must not contain an empty token")
		}
	}
	return nil
}
