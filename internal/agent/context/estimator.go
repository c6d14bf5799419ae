// Package agentctx manages the assembled context window: token budgeting,
// plugin-contributed blocks, and threshold-driven compaction strategies.
package agentctx

import (
	"math"

	"github.com/haasonsaas/strand/pkg/models"
)

// Estimator approximates provider token accounting. Estimates are
// heuristic; budget margins absorb the divergence from real tokenizers.
type Estimator interface {
	Text(s string) int
	Image(img models.ImageSource) int
}

// perItemOverhead covers the role and framing tokens around each item.
const perItemOverhead = 3

// unknownImageTokens is charged when image dimensions are not known.
const unknownImageTokens = 1000

// HeuristicEstimator is the default estimator: ceil(chars/3.5) for text and
// a tile model for images.
type HeuristicEstimator struct{}

// Text estimates tokens for a string.
func (HeuristicEstimator) Text(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 3.5))
}

// Image estimates tokens for one image: 85 for low detail, 85 + 170 per
// 512px tile for high detail, 1000 when dimensions are unknown.
func (HeuristicEstimator) Image(img models.ImageSource) int {
	if img.Detail == models.ImageDetailLow {
		return 85
	}
	if img.Width <= 0 || img.Height <= 0 {
		return unknownImageTokens
	}
	tiles := ((img.Width + 511) / 512) * ((img.Height + 511) / 512)
	return 85 + 170*tiles
}

// EstimateItem sums the token estimate for one conversation item.
func EstimateItem(est Estimator, item models.Item) int {
	total := perItemOverhead
	switch item.Kind {
	case models.ItemMessage:
		if item.Message == nil {
			return total
		}
		for _, block := range item.Message.Blocks {
			total += estimateBlock(est, block)
		}
	case models.ItemReasoning:
		if item.Reasoning != nil {
			total += est.Text(item.Reasoning.Text) + est.Text(item.Reasoning.Summary)
		}
	case models.ItemCompaction:
		if item.Compaction != nil {
			total += est.Text(item.Compaction.Summary)
		}
	}
	return total
}

func estimateBlock(est Estimator, block models.ContentBlock) int {
	switch block.Type {
	case models.BlockInputText, models.BlockOutputText:
		return est.Text(block.Text)
	case models.BlockInputImage:
		if block.Image == nil {
			return 0
		}
		return est.Image(*block.Image)
	case models.BlockToolUse:
		if block.ToolUse == nil {
			return 0
		}
		return est.Text(block.ToolUse.Name) + est.Text(string(block.ToolUse.Input))
	case models.BlockToolResult:
		if block.ToolResult == nil {
			return 0
		}
		total := est.Text(block.ToolResult.Content)
		for _, img := range block.ToolResult.Images {
			total += est.Image(img)
		}
		return total
	case models.BlockThinking:
		if block.Thinking == nil {
			return 0
		}
		return est.Text(block.Thinking.Text)
	}
	return 0
}

// EstimateItems sums estimates over a conversation slice.
func EstimateItems(est Estimator, items []models.Item) int {
	total := 0
	for _, item := range items {
		total += EstimateItem(est, item)
	}
	return total
}
