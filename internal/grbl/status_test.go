package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("<Run|MPos:10.000,5.000,-1.000|Bf:15,80|FS:500,12000|WCO:2.000,1.000,0.000|Ov:100,50,110|Pn:XZ|A:SF>")
	require.NoError(t, err)

	assert.Equal(t, "Run", st.State)
	assert.Equal(t, Position{10, 5, -1}, st.MPos)
	assert.Equal(t, Position{8, 4, -1}, st.WPos)
	assert.Equal(t, 500.0, st.Feed)
	assert.Equal(t, 12000.0, st.Spindle)
	assert.Equal(t, 15, st.Buffer)
	assert.Equal(t, 80, st.RxFree)
	assert.Equal(t, [3]int{100, 50, 110}, st.Overrides)
	assert.Equal(t, "XZ", st.Pins)
	assert.Equal(t, "SF", st.Accessory)
	assert.False(t, st.IsIdle())
}

func TestParseStatusWorkPosition(t *testing.T) {
	st, err := ParseStatus("<Idle|WPos:1.000,1.000,1.000|F:0|WCO:1.000,2.000,3.000>")
	require.NoError(t, err)
	assert.True(t, st.IsIdle())
	assert.Equal(t, Position{2, 3, 4}, st.MPos)
}

func TestParseStatusAlarm(t *testing.T) {
	st, err := ParseStatus("<Alarm|MPos:0.000,0.000,0.000|FS:0,0>")
	require.NoError(t, err)
	assert.True(t, st.IsAlarm())
}

func TestParseStatusErrors(t *testing.T) {
	_, err := ParseStatus("Idle|MPos:0,0,0")
	assert.Error(t, err)

	_, err = ParseStatus("<Idle|MPos:a,b,c>")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want responseKind
	}{
		{"ok", respOK},
		{"error:20", respError},
		{"ALARM:1", respAlarm},
		{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>", respStatus},
		{"Grbl 1.1h ['$' for help]", respIgnored},
		{"[MSG:Caution: Unlocked]", respIgnored},
		{"", respIgnored},
		{"okay", respIgnored},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.line), tt.line)
	}
}
