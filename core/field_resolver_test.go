package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTypedAttributes(t *testing.T) {
	ev := NewEvent()
	ev.Channel = "Security"
	ev.Provider = "Microsoft-Windows-Security-Auditing"
	ev.Computer = "WORKSTATION-01"
	ev.EventType = "process_creation"
	ev.Fields["EventID"] = 4688

	resolver := NewFieldResolver(0)
	tests := []struct {
		field string
		want  interface{}
	}{
		{"Channel", "Security"},
		{"channel", "Security"},
		{"Provider", "Microsoft-Windows-Security-Auditing"},
		{"provider_name", "Microsoft-Windows-Security-Auditing"},
		{"Computer", "WORKSTATION-01"},
		{"hostname", "WORKSTATION-01"},
		{"EventType", "process_creation"},
		{"event_type", "process_creation"},
		{"EventID", 4688},
		{"event_id", 4688},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := resolver.Resolve(ev, tt.field)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveFieldsBag(t *testing.T) {
	ev := NewEvent()
	ev.Fields["CommandLine"] = "powershell -enc x"
	ev.Fields["custom_field"] = "custom"

	resolver := NewFieldResolver(0)

	got, ok := resolver.Resolve(ev, "CommandLine")
	require.True(t, ok)
	assert.Equal(t, "powershell -enc x", got)

	// Alias spellings land on the canonical entry.
	for _, alias := range []string{"command_line", "commandline", "cmd"} {
		got, ok = resolver.Resolve(ev, alias)
		require.True(t, ok, "alias %s", alias)
		assert.Equal(t, "powershell -enc x", got)
	}

	// Non-aliased names still resolve by exact match.
	got, ok = resolver.Resolve(ev, "custom_field")
	require.True(t, ok)
	assert.Equal(t, "custom", got)

	_, ok = resolver.Resolve(ev, "NoSuchField")
	assert.False(t, ok)
}

func TestResolveNilValuesAreAbsent(t *testing.T) {
	ev := NewEvent()
	ev.Fields["User"] = nil

	resolver := NewFieldResolver(0)
	_, ok := resolver.Resolve(ev, "User")
	assert.False(t, ok, "null field value should resolve as absent")
}

func TestResolveRawDataFallback(t *testing.T) {
	ev := NewEvent()
	ev.RawData = `{"ParentImage": "C:\\Windows\\explorer.exe", "parent_command_line": "explorer.exe"}`

	resolver := NewFieldResolver(0)

	got, ok := resolver.Resolve(ev, "ParentImage")
	require.True(t, ok)
	assert.Equal(t, `C:\Windows\explorer.exe`, got)

	// The promoted bag wins over the raw payload when both carry the field.
	ev2 := NewEvent()
	ev2.Fields["ParentImage"] = "from-fields"
	ev2.RawData = `{"ParentImage": "from-raw"}`
	got, ok = resolver.Resolve(ev2, "ParentImage")
	require.True(t, ok)
	assert.Equal(t, "from-fields", got)
}

func TestResolveRawDataParsedOnce(t *testing.T) {
	ev := NewEvent()
	ev.RawData = `{"TargetObject": "HKLM\\Software\\Run"}`

	resolver := NewFieldResolver(8)
	_, ok := resolver.Resolve(ev, "TargetObject")
	require.True(t, ok)

	// A later mutation of RawData must be invisible: the parse is cached by
	// event identity.
	ev.RawData = `{"TargetObject": "something else"}`
	got, ok := resolver.Resolve(ev, "TargetObject")
	require.True(t, ok)
	assert.Equal(t, `HKLM\Software\Run`, got)
}

func TestResolveNonJSONRawData(t *testing.T) {
	ev := NewEvent()
	ev.RawData = "plain syslog line, not json"

	resolver := NewFieldResolver(0)
	_, ok := resolver.Resolve(ev, "Image")
	assert.False(t, ok)

	// Cached negative parse, same answer the second time.
	_, ok = resolver.Resolve(ev, "Image")
	assert.False(t, ok)
}

func TestResolveNilInputs(t *testing.T) {
	resolver := NewFieldResolver(0)
	if _, ok := resolver.Resolve(nil, "Image"); ok {
		t.Error("nil event resolved a field")
	}
	if _, ok := resolver.Resolve(NewEvent(), ""); ok {
		t.Error("empty field name resolved")
	}
}

func TestParseEventJSON(t *testing.T) {
	data := []byte(`{
		"event_id": "evt-123",
		"timestamp": "2024-06-01T12:00:00Z",
		"channel": "Microsoft-Windows-Sysmon/Operational",
		"computer": "dc01",
		"Image": "C:\\Windows\\System32\\cmd.exe",
		"CommandLine": "cmd.exe /c whoami"
	}`)
	ev, err := ParseEventJSON(data)
	require.NoError(t, err)

	assert.Equal(t, "evt-123", ev.EventID)
	assert.Equal(t, "Microsoft-Windows-Sysmon/Operational", ev.Channel)
	assert.Equal(t, "dc01", ev.Computer)
	assert.Equal(t, 2024, ev.Timestamp.Year())
	assert.Equal(t, `C:\Windows\System32\cmd.exe`, ev.Fields["Image"])
	assert.Equal(t, "cmd.exe /c whoami", ev.Fields["CommandLine"])
	assert.Equal(t, string(data), ev.RawData)

	_, err = ParseEventJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestRouteKey(t *testing.T) {
	ev := NewEvent()
	assert.Equal(t, "", ev.RouteKey())

	ev.EventType = "process_creation"
	assert.Equal(t, "process_creation", ev.RouteKey())

	ev.Channel = "security"
	assert.Equal(t, "security", ev.RouteKey())
}
