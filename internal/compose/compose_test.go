package compose

import (
	"testing"

	"github.com/stretchr/testify/require"

	"clipstudio/engine/internal/asset"
	"clipstudio/engine/internal/llm"
)

func readyAsset(id, name, mimeType string) asset.Asset {
	return asset.Asset{
		ID:          id,
		DisplayName: name,
		MimeType:    mimeType,
		Payload:     "ZnJhbWVz",
		Status:      asset.StatusReady,
		Progress:    100,
	}
}

func TestBenchmarkPartsPrecedeContentParts(t *testing.T) {
	benchmark := readyAsset("01B", "style.mp4", "video/mp4")
	content := readyAsset("01C", "mine.mp4", "video/mp4")

	// Submit content first; role priority must still win.
	turn, err := Build(Inputs{
		Groups: []Group{
			{Role: RoleContentReference, Assets: []asset.Asset{content}},
			{Role: RoleBenchmarkStyle, Assets: []asset.Asset{benchmark}},
		},
		Instruction: "Compare my clip against the benchmark.",
	})
	require.NoError(t, err)
	require.Len(t, turn, 3)
	require.Equal(t, benchmark.Payload, turn[0].Data)
	require.Equal(t, content.Payload, turn[1].Data)
	require.Equal(t, llm.PartText, turn[2].Kind)

	// And in the other submission order too.
	turn2, err := Build(Inputs{
		Groups: []Group{
			{Role: RoleBenchmarkStyle, Assets: []asset.Asset{benchmark}},
			{Role: RoleContentReference, Assets: []asset.Asset{content}},
		},
		Instruction: "Compare my clip against the benchmark.",
	})
	require.NoError(t, err)
	require.Equal(t, turn, turn2)
}

func TestInstructionIsAlwaysLast(t *testing.T) {
	turn, err := Build(Inputs{
		Groups: []Group{
			{Role: RoleCurrentVersion, Assets: []asset.Asset{readyAsset("01A", "v2.txt", "text/plain")}},
			{Role: RoleHistoryVersion, Assets: []asset.Asset{readyAsset("01H", "v1.txt", "text/plain")}},
		},
		Links:       []string{"https://example.com/ref"},
		Instruction: "Critique the revision.",
	})
	require.NoError(t, err)
	require.Len(t, turn, 4)
	require.Equal(t, "Reference link: https://example.com/ref", turn[2].Text)
	last := turn[len(turn)-1]
	require.Equal(t, llm.PartText, last.Kind)
	require.Equal(t, "Critique the revision.", last.Text)
}

func TestSingleVideoSubmissionScenario(t *testing.T) {
	video := readyAsset("01V", "clip.mp4", "video/mp4")
	instruction := `Write a short-video plan for platform "X" with a funny tone.`

	turn, err := Build(Inputs{
		Groups:      []Group{{Role: RoleContentReference, Assets: []asset.Asset{video}}},
		Instruction: instruction,
	})
	require.NoError(t, err)
	require.Len(t, turn, 2)
	require.Equal(t, llm.PartMedia, turn[0].Kind)
	require.Equal(t, "video/mp4", turn[0].MimeType)
	require.Equal(t, llm.PartText, turn[1].Kind)
	require.Contains(t, turn[1].Text, "funny tone")
}

func TestBuildFailsFastOnNotReadyAsset(t *testing.T) {
	pending := readyAsset("01P", "uploading.mp4", "video/mp4")
	pending.Status = asset.StatusEncoding
	pending.Payload = ""

	_, err := Build(Inputs{
		Groups:      []Group{{Role: RoleContentReference, Assets: []asset.Asset{pending}}},
		Instruction: "Analyze.",
	})
	require.ErrorIs(t, err, ErrAssetNotReady)
}

func TestBuildRejectsEmptyInputs(t *testing.T) {
	_, err := Build(Inputs{})
	require.ErrorIs(t, err, ErrEmptyTurn)
}

func TestIntraGroupOrderPreserved(t *testing.T) {
	first := readyAsset("01X", "part1.png", "image/png")
	second := readyAsset("01Y", "part2.png", "image/png")
	first.Payload = "Zmlyc3Q="
	second.Payload = "c2Vjb25k"

	turn, err := Build(Inputs{
		Groups:      []Group{{Role: RoleBenchmarkStyle, Assets: []asset.Asset{first, second}}},
		Instruction: "Study these.",
	})
	require.NoError(t, err)
	require.Equal(t, "Zmlyc3Q=", turn[0].Data)
	require.Equal(t, "c2Vjb25k", turn[1].Data)
}
