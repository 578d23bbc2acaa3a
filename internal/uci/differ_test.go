package uci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const networkBefore = `
config interface 'loopback'
	option ifname 'lo'
	option proto 'static'

config interface 'lan'
	option proto 'static'
	option ipaddr '192.168.1.1'
	list dns '8.8.8.8'

config rule
	option src 'wan'
`

func TestSectionDifferNoChange(t *testing.T) {
	diff, err := SectionDiffer{}.Diff([]byte(networkBefore), []byte(networkBefore))
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestSectionDifferDetectsChanges(t *testing.T) {
	after := `
config interface 'lan'
	option proto 'static'
	option ipaddr '10.0.0.1'
	list dns '8.8.8.8'
	list dns '1.1.1.1'

config interface 'guest'
	option proto 'static'

config rule
	option src 'wan'
	option target 'DROP'
`
	diff, err := SectionDiffer{}.Diff([]byte(networkBefore), []byte(after))
	require.NoError(t, err)
	assert.Equal(t, []string{"interface.guest"}, diff.SectionsAdded)
	assert.Equal(t, []string{"interface.loopback"}, diff.SectionsRemoved)
	assert.Equal(t, []string{"@rule[0]", "interface.lan"}, diff.SectionsModified)
	assert.Equal(t, []string{"@rule[0].target", "interface.lan.dns", "interface.lan.ipaddr"}, diff.OptionsChanged)
	assert.True(t, diff.Structural())
}

func TestSectionDifferRejectsGarbage(t *testing.T) {
	_, err := SectionDiffer{}.Diff([]byte("option x 'y'\n"), nil)
	assert.Error(t, err)
	_, err = SectionDiffer{}.Diff(nil, []byte("nonsense here\n"))
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"option", "name", "my wifi"}, tokenize("\toption name 'my wifi'"))
	assert.Equal(t, []string{"list", "x", ""}, tokenize(`list x ""`))
}
