package agentjob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInputCSVSupportsQuotesAndCommas(t *testing.T) {
	headers, rows, err := ParseInputCSV("id,name\n1,\"alpha, beta\"\n2,gamma\n")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, headers)
	require.Equal(t, [][]string{{"1", "alpha, beta"}, {"2", "gamma"}}, rows)
}

func TestParseInputCSVSkipsBlankRows(t *testing.T) {
	headers, rows, err := ParseInputCSV("a,b\n1,2\n,\n3,4\n")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, headers)
	require.Len(t, rows, 2)
}

func TestEnsureUniqueHeadersRejectsDuplicates(t *testing.T) {
	err := EnsureUniqueHeaders([]string{"path", "path"})
	require.Error(t, err)
}

func TestBuildItemsAssignsRowFallbackIDs(t *testing.T) {
	items := BuildItems([]string{"a"}, [][]string{{"x"}, {"y"}}, -1)
	require.Equal(t, "row-1", items[0].ItemID)
	require.Equal(t, "row-2", items[1].ItemID)
}

func TestBuildItemsDeduplicatesSourceIDCollisions(t *testing.T) {
	items := BuildItems([]string{"id"}, [][]string{{"a"}, {"a"}, {"a"}}, 0)
	require.Equal(t, "a", items[0].ItemID)
	require.Equal(t, "a-2", items[1].ItemID)
	require.Equal(t, "a-3", items[2].ItemID)
}

func TestRenderInstructionTemplateExpandsPlaceholdersAndEscapesBraces(t *testing.T) {
	row := map[string]string{"path": "src/lib.go", "area": "test"}
	got := RenderInstructionTemplate("Review {path} in {area}. Use {{literal}}.", row)
	require.Equal(t, "Review src/lib.go in test. Use {literal}.", got)
}

func TestRenderInstructionTemplateLeavesUnknownPlaceholders(t *testing.T) {
	row := map[string]string{"path": "src/lib.go"}
	got := RenderInstructionTemplate("Check {path} then {missing}", row)
	require.Equal(t, "Check src/lib.go then {missing}", got)
}

func TestRenderOutputCSVIncludesBookkeepingColumns(t *testing.T) {
	items := []Item{
		{ItemID: "row-1", RowIndex: 0, Row: map[string]string{"a": "1"}, Status: ItemCompleted},
	}
	out, err := RenderOutputCSV([]string{"a"}, items)
	require.NoError(t, err)
	require.Contains(t, out, "a,job_id,item_id,row_index,source_id,status")
	require.Contains(t, out, "1,,row-1,0,,completed")
}
