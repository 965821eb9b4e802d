package board

// tagPalette is the fixed rotating palette for new tag definitions.
var tagPalette = []string{
	"#ef4444", // red
	"#f97316", // orange
	"#eab308", // yellow
	"#22c55e", // green
	"#14b8a6", // teal
	"#0ea5e9", // sky
	"#3b82f6", // blue
	"#8b5cf6", // violet
	"#d946ef", // fuchsia
	"#ec4899", // pink
	"#78716c", // stone
	"#64748b", // slate
}

// NextTagColor returns the color for the n-th tag definition in a channel.
// Colors rotate through the fixed palette.
func NextTagColor(existing int) string {
	if existing < 0 {
		existing = 0
	}
	return tagPalette[existing%len(tagPalette)]
}
