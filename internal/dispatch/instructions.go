package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// instructionPrefix starts every remote input instruction.
const instructionPrefix = "import pyautogui; import time; pyautogui.FAILSAFE=False;"

// ClickKind selects the mouse button behavior of a click.
type ClickKind string

const (
	ClickLeft   ClickKind = "left_click"
	ClickRight  ClickKind = "right_click"
	ClickDouble ClickKind = "double_click"
	ClickMiddle ClickKind = "middle_click"
)

var clickFuncs = map[ClickKind]string{
	ClickLeft:   "click",
	ClickRight:  "rightClick",
	ClickDouble: "doubleClick",
	ClickMiddle: "middleClick",
}

// escapeText makes s safe inside a double-quoted unicode literal on one line.
// Control characters become \n, \r, \t or \x escapes. Characters above 127 become
// \u escapes, and \U escapes outside the basic multilingual plane.
func escapeText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\\':
			sb.WriteString(`\\`)
		case r == '\'':
			sb.WriteString(`\'`)
		case r == '"':
			sb.WriteString(`\"`)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, r)
		case r > 0xFFFF:
			fmt.Fprintf(&sb, `\U%08x`, r)
		case r > 127:
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func instruction(steps ...string) string {
	return instructionPrefix + " " + strings.Join(steps, "; ")
}

func clickInstruction(kind ClickKind, p Point) (string, error) {
	fn, ok := clickFuncs[kind]
	if !ok {
		return "", invalidParams("unsupported click_type %q", kind)
	}
	return instruction(fmt.Sprintf("pyautogui.%s(x=%d, y=%d)", fn, p.X, p.Y)), nil
}

func hoverInstruction(p Point, d time.Duration) string {
	return instruction(fmt.Sprintf("pyautogui.moveTo(x=%d, y=%d, duration=%s)", p.X, p.Y, seconds(d)))
}

func dragInstruction(p Point, d time.Duration) string {
	return instruction(fmt.Sprintf("pyautogui.dragTo(x=%d, y=%d, duration=%s)", p.X, p.Y, seconds(d)))
}

// typeInstruction writes text, clicking at target first when it is set.
func typeInstruction(text string, target *Point, pressEnter bool, interval time.Duration) (string, error) {
	if text == "" {
		return "", invalidParams("typing requires non-empty text")
	}
	var steps []string
	if target != nil {
		steps = append(steps, fmt.Sprintf("pyautogui.click(x=%d, y=%d)", target.X, target.Y))
	}
	steps = append(steps, fmt.Sprintf(`pyautogui.write(u"%s",interval=%s)`, escapeText(text), seconds(interval)))
	if pressEnter {
		steps = append(steps, "pyautogui.press('enter')")
	}
	return instruction(steps...), nil
}

// keyInstruction holds every key of a "+" separated combination down, then releases them in reverse.
func keyInstruction(combo string) (string, error) {
	var keys []string
	for _, k := range strings.Split(combo, "+") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		keys = append(keys, escapeText(k))
	}
	if len(keys) == 0 {
		return "", invalidParams("key requires a key or key combination")
	}
	steps := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		steps = append(steps, fmt.Sprintf("pyautogui.keyDown('%s')", k))
	}
	for i := len(keys) - 1; i >= 0; i-- {
		steps = append(steps, fmt.Sprintf("pyautogui.keyUp('%s')", keys[i]))
	}
	return instruction(steps...), nil
}

func scrollInstruction(amount int) string {
	return instruction(fmt.Sprintf("pyautogui.scroll(%d)", amount))
}
