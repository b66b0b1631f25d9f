package progress

import (
	"fmt"
	"math"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/muesli/termenv"
)

const defaultBarWidth = 20

type barVariant int

const (
	barDebating barVariant = iota
	barNear
	barConsensus
)

// renderSimilarityBar renders "[#####.....] 72%" using bubbles/progress.
func renderSimilarityBar(similarity float64, width int, variant barVariant, profile termenv.Profile) string {
	if math.IsNaN(similarity) || similarity < 0 {
		similarity = 0
	}
	if similarity > 1 {
		similarity = 1
	}
	if width <= 0 {
		width = defaultBarWidth
	}

	bar := newSimilarityModel(width, variant, profile).ViewAs(similarity)
	return fmt.Sprintf("[%s] %3.0f%%", bar, similarity*100)
}

func newSimilarityModel(width int, variant barVariant, profile termenv.Profile) progress.Model {
	options := []progress.Option{
		progress.WithWidth(width),
		progress.WithoutPercentage(),
		progress.WithFillCharacters('#', '.'),
		progress.WithColorProfile(profile),
	}

	switch variant {
	case barConsensus:
		options = append(options, progress.WithSolidFill(greenOk))
	case barNear:
		options = append(options, progress.WithScaledGradient(butterscotch, gold))
	default:
		options = append(options, progress.WithSolidFill(galaxyGray))
	}

	return progress.New(options...)
}
