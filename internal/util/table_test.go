package util

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "MIME", Key: "mime"},
	}
	RenderTable(&buf, columns, []map[string]any{
		{"name": "soft.avc.encoder", "mime": "video/avc"},
		{"name": "x", "mime": "audio/mp4a-latm"},
	})

	assert.Equal(t, ""+
		"NAME             MIME\n"+
		"---------------- ---------------\n"+
		"soft.avc.encoder video/avc\n"+
		"x                audio/mp4a-latm\n", buf.String())
}

func TestRenderTableIgnoresColorCodes(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "K", Key: "k"}, {Header: "V", Key: "v"}}, []map[string]any{
		{"k": color.GreenString("ok"), "v": 1},
	})
	lines := bytes.Split(buf.Bytes(), []byte("\n"))
	assert.Equal(t, "-- -", string(lines[1]))
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "NAME", Key: "name"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
