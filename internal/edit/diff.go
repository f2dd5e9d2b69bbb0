package edit

import (
	"fmt"
	"strings"

	"github.com/codalotl/codalotl/internal/diff"
)

// hunkContextLines is the amount of unchanged context kept around each
// change; nearby hunks separated by fewer than 2*hunkContextLines unchanged
// lines naturally coalesce into one.
const hunkContextLines = 5

// fileSnapshot is a point-in-time view of a file used to compute the final
// diff emitted by the edit tool.
type fileSnapshot struct {
	path   string
	exists bool
	lines  []string
}

// renderUnifiedHashlineDiff renders a unified diff from before to after whose
// body lines are tagged with hashline anchors (`line:hash|content`) instead of
// bare text, adapting the teacher's internal/diff line-level model
// (DiffText/Diff/DiffHunk) to this tool's anchor-tagged body format.
func renderUnifiedHashlineDiff(before, after fileSnapshot) string {
	var patch strings.Builder
	fmt.Fprintf(&patch, "--- %s\n", diffLabel("a", before.path, before.exists))
	fmt.Fprintf(&patch, "+++ %s\n", diffLabel("b", after.path, after.exists))

	beforeText := strings.Join(before.lines, "\n")
	afterText := strings.Join(after.lines, "\n")
	d := diff.DiffText(beforeText, afterText)

	if len(d.Hunks) == 0 || (len(d.Hunks) == 1 && d.Hunks[0].Op == diff.OpEqual) {
		patch.WriteString("@@ -0,0 +0,0 @@\n")
		patch.WriteString(" (no content changes)\n")
		return patch.String()
	}

	type taggedLine struct {
		tag     byte
		oldLine int // 1-based; 0 if not applicable
		newLine int
		text    string
	}

	oldPos, newPos := 1, 1
	countLines := func(text string) int {
		if text == "" {
			return 0
		}
		return len(strings.Split(text, "\n"))
	}

	i := 0
	for i < len(d.Hunks) {
		h := d.Hunks[i]
		if h.Op == diff.OpEqual {
			oldPos += countLines(h.OldText)
			newPos += countLines(h.NewText)
			i++
			continue
		}

		var lines []taggedLine
		preK := 0
		if i-1 >= 0 && d.Hunks[i-1].Op == diff.OpEqual {
			prevEq := splitLines(d.Hunks[i-1].OldText)
			preK = min(hunkContextLines, len(prevEq))
			start := len(prevEq) - preK
			for k, ln := range prevEq[start:] {
				lineOld := oldPos - preK + k
				lines = append(lines, taggedLine{tag: ' ', oldLine: lineOld, newLine: newPos - preK + k, text: ln})
			}
		}

		oldStart := max(oldPos-preK, 1)
		newStart := max(newPos-preK, 1)

		appendChange := func(hk diff.DiffHunk) {
			for _, ln := range hk.Lines {
				switch ln.Op {
				case diff.OpEqual:
					core := trimNL(ln.OldText)
					lines = append(lines, taggedLine{tag: ' ', oldLine: oldPos, newLine: newPos, text: core})
					oldPos++
					newPos++
				case diff.OpDelete:
					core := trimNL(ln.OldText)
					lines = append(lines, taggedLine{tag: '-', oldLine: oldPos, text: core})
					oldPos++
				case diff.OpInsert:
					core := trimNL(ln.NewText)
					lines = append(lines, taggedLine{tag: '+', newLine: newPos, text: core})
					newPos++
				case diff.OpReplace:
					oldCore := trimNL(ln.OldText)
					newCore := trimNL(ln.NewText)
					lines = append(lines, taggedLine{tag: '-', oldLine: oldPos, text: oldCore})
					lines = append(lines, taggedLine{tag: '+', newLine: newPos, text: newCore})
					oldPos++
					newPos++
				}
			}
		}

		appendChange(h)

		j := i + 1
		for j < len(d.Hunks) {
			if d.Hunks[j].Op != diff.OpEqual {
				appendChange(d.Hunks[j])
				j++
				continue
			}

			eqLines := splitLines(d.Hunks[j].OldText)
			if j+1 < len(d.Hunks) && d.Hunks[j+1].Op != diff.OpEqual && len(eqLines) <= 2*hunkContextLines {
				for _, ln := range eqLines {
					lines = append(lines, taggedLine{tag: ' ', oldLine: oldPos, newLine: newPos, text: ln})
					oldPos++
					newPos++
				}
				j++
				appendChange(d.Hunks[j])
				j++
				continue
			}

			postK := min(hunkContextLines, len(eqLines))
			for _, ln := range eqLines[:postK] {
				lines = append(lines, taggedLine{tag: ' ', oldLine: oldPos, newLine: newPos, text: ln})
				oldPos++
				newPos++
			}
			break
		}
		i = j

		oldCount, newCount := 0, 0
		for _, ln := range lines {
			switch ln.tag {
			case ' ':
				oldCount++
				newCount++
			case '-':
				oldCount++
			case '+':
				newCount++
			}
		}

		fmt.Fprintf(&patch, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
		for _, ln := range lines {
			switch ln.tag {
			case ' ':
				patch.WriteString(" " + Hashline(ln.oldLine, ln.text) + "\n")
			case '-':
				patch.WriteString("-" + Hashline(ln.oldLine, ln.text) + "\n")
			case '+':
				patch.WriteString("+" + Hashline(ln.newLine, ln.text) + "\n")
			}
		}
	}

	return patch.String()
}

func diffLabel(prefix, path string, exists bool) string {
	if exists {
		return prefix + "/" + path
	}
	return "/dev/null"
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func trimNL(s string) string {
	return strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r")
}
