package compose

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"clipstudio/engine/internal/asset"
	"clipstudio/engine/internal/llm"
)

// Role tags a group of assets with its function in the turn. The remote
// model weighs earlier context as established fact and the trailing
// instruction as the active ask, so role ordering is fixed: historical and
// benchmark material first, then primary content, then the instruction.
type Role string

const (
	RoleBenchmarkStyle   Role = "benchmark_style"
	RoleHistoryVersion   Role = "history_version"
	RoleContentReference Role = "content_reference"
	RoleCurrentVersion   Role = "current_version"
)

var rolePriority = map[Role]int{
	RoleBenchmarkStyle:   0,
	RoleHistoryVersion:   1,
	RoleContentReference: 2,
	RoleCurrentVersion:   3,
}

var (
	ErrAssetNotReady = errors.New("asset not ready")
	ErrEmptyTurn     = errors.New("nothing to send")
)

// Group is one role-tagged batch of assets in submission order.
type Group struct {
	Role   Role
	Assets []asset.Asset
}

// Inputs is everything a feature hands to the builder for one turn.
type Inputs struct {
	Groups      []Group
	Links       []string
	Instruction string
}

// Build assembles an ordered turn. Groups are emitted in role-priority
// order regardless of submission order; intra-group order is preserved.
// Every referenced asset must be ready — callers gate submission on
// readiness, so a not-ready asset here is a usage error, not a race to
// wait out.
func Build(in Inputs) (llm.Turn, error) {
	for _, group := range in.Groups {
		for _, a := range group.Assets {
			if a.Status != asset.StatusReady {
				return nil, fmt.Errorf("%s (%s): %w", a.DisplayName, a.ID, ErrAssetNotReady)
			}
		}
	}
	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" && len(in.Groups) == 0 && len(in.Links) == 0 {
		return nil, ErrEmptyTurn
	}

	ordered := make([]Group, len(in.Groups))
	copy(ordered, in.Groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rolePriority[ordered[i].Role] < rolePriority[ordered[j].Role]
	})

	var turn llm.Turn
	for _, group := range ordered {
		for _, a := range group.Assets {
			turn = append(turn, llm.MediaPart(a.MimeType, a.Payload))
		}
	}
	for _, link := range in.Links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		turn = append(turn, llm.TextPart("Reference link: "+link))
	}
	if instruction != "" {
		turn = append(turn, llm.TextPart(instruction))
	}
	if len(turn) == 0 {
		return nil, ErrEmptyTurn
	}
	return turn, nil
}
