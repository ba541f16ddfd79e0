package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSaveDirective(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantPath string
		wantOK   bool
	}{
		{"plain", "write a script and save to app.py", "app.py", true},
		{"with pronoun", "generate the config, save it to conf/app.yaml", "conf/app.yaml", true},
		{"capitalized", "Save to README.md", "README.md", true},
		{"trailing punctuation", "save to script.sh.", "script.sh", true},
		{"no directive", "just print the date", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, ok := extractSaveDirective(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantBody string
		wantOK   bool
	}{
		{
			name:     "with language tag",
			response: "Here:\n```python\nprint('hi')\n```\nDone.",
			wantBody: "print('hi')\n",
			wantOK:   true,
		},
		{
			name:     "no language tag",
			response: "```\nline1\nline2\n```",
			wantBody: "line1\nline2\n",
			wantOK:   true,
		},
		{
			name:     "first of several",
			response: "```\nfirst\n```\ntext\n```\nsecond\n```",
			wantBody: "first\n",
			wantOK:   true,
		},
		{
			name:     "no block",
			response: "plain prose only",
			wantOK:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ok := extractCodeBlock(tt.response)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}
