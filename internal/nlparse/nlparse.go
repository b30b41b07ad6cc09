// Package nlparse turns free-text operator messages into typed commands.
//
// A fixed, ordered pattern table is tried in declaration order; the first
// match wins. Specific phrasings sit above generic ones ("change preview to
// camera 2" must outrank the bare "camera 2"). Text that matches nothing
// returns nil and the caller decides what to do with it.
package nlparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Match is a parsed operator intent, ready for the command dispatcher.
type Match struct {
	Command string
	Params  map[string]any
}

type pattern struct {
	re      *regexp.Regexp
	command string
	extract func(m []string) map[string]any
}

func rx(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(?:` + expr + `)$`)
}

// intArg converts capture group idx to an integer param.
func intArg(key string, idx int) func([]string) map[string]any {
	return func(m []string) map[string]any {
		n, _ := strconv.Atoi(m[idx])
		return map[string]any{key: n}
	}
}

// firstIntArg converts the first non-empty capture group to an integer param.
// Used where alternation produces one group per branch.
func firstIntArg(key string) func([]string) map[string]any {
	return func(m []string) map[string]any {
		for _, g := range m[1:] {
			if g != "" {
				n, _ := strconv.Atoi(g)
				return map[string]any{key: n}
			}
		}
		return map[string]any{key: 0}
	}
}

// strArg passes capture group idx through, trimmed.
func strArg(key string, idx int) func([]string) map[string]any {
	return func(m []string) map[string]any {
		return map[string]any{key: strings.TrimSpace(m[idx])}
	}
}

// patterns is the whole vocabulary. Order matters: first match wins, so
// keep specific phrasings above generic ones.
var patterns = []pattern{
	// Switcher: preview and program. The preview forms must come before the
	// bare "camera N", which defaults to program.
	{rx(`(?:change|set|switch|put)\s+(?:the\s+)?preview\s+to\s+(?:camera|cam|input)\s+(\d+)`), "switcher.setPreview", intArg("input", 1)},
	{rx(`preview\s+(?:camera|cam|input)\s+(\d+)`), "switcher.setPreview", intArg("input", 1)},
	{rx(`(?:change|set|switch|put)\s+(?:the\s+)?program\s+to\s+(?:camera|cam|input)\s+(\d+)`), "switcher.setProgram", intArg("input", 1)},
	{rx(`(?:take|put)\s+(?:camera|cam|input)\s+(\d+)\s+(?:to\s+)?(?:program|live|on\s+air)`), "switcher.setProgram", intArg("input", 1)},
	{rx(`(?:go\s+to\s+)?(?:camera|cam)\s+(\d+)`), "switcher.setProgram", intArg("input", 1)},

	// Switcher: transitions and keyers.
	{rx(`cut|take`), "switcher.cut", nil},
	{rx(`auto|dissolve|transition|mix`), "switcher.auto", nil},
	{rx(`fade\s+to\s+black|ftb`), "switcher.fadeToBlack", nil},
	{rx(`(?:turn\s+|put\s+)?(?:the\s+)?(?:lower\s+third|downstream\s+key(?:er)?|dsk)\s+(on|off)`), "switcher.setDownstreamKeyer", func(m []string) map[string]any {
		return map[string]any{"keyer": 1, "onAir": strings.EqualFold(m[1], "on")}
	}},
	{rx(`(?:turn\s+)?key(?:er)?\s+(\d+)\s+(on|off)`), "switcher.setUpstreamKeyer", func(m []string) map[string]any {
		n, _ := strconv.Atoi(m[1])
		return map[string]any{"keyer": n, "onAir": strings.EqualFold(m[2], "on")}
	}},
	{rx(`run\s+macro\s+(\d+)`), "switcher.runMacro", intArg("index", 1)},
	{rx(`aux\s+(\d+)\s+to\s+(?:camera|cam|input)?\s*(\d+)`), "switcher.setAux", func(m []string) map[string]any {
		aux, _ := strconv.Atoi(m[1])
		src, _ := strconv.Atoi(m[2])
		return map[string]any{"aux": aux, "source": src}
	}},

	// Camera motion. Fixed small step per utterance; repeat to go further.
	{rx(`pan\s+(left|right)`), "switcher.ptzMove", func(m []string) map[string]any {
		pan := 0.3
		if strings.EqualFold(m[1], "left") {
			pan = -0.3
		}
		return map[string]any{"pan": pan, "tilt": 0.0}
	}},
	{rx(`tilt\s+(up|down)`), "switcher.ptzMove", func(m []string) map[string]any {
		tilt := 0.3
		if strings.EqualFold(m[1], "down") {
			tilt = -0.3
		}
		return map[string]any{"pan": 0.0, "tilt": tilt}
	}},
	{rx(`zoom\s+(in|out)`), "switcher.ptzZoom", func(m []string) map[string]any {
		zoom := 0.3
		if strings.EqualFold(m[1], "out") {
			zoom = -0.3
		}
		return map[string]any{"zoom": zoom}
	}},

	// Streaming and recording. Switcher-recording forms carry a qualifier;
	// the bare forms belong to the streamer.
	{rx(`(?:start\s+)?record(?:ing)?\s+on\s+the\s+switcher`), "switcher.startRecording", nil},
	{rx(`stop\s+record(?:ing)?\s+on\s+the\s+switcher`), "switcher.stopRecording", nil},
	{rx(`(?:start|begin)\s+(?:the\s+)?stream(?:ing)?|go\s+live`), "streamer.startStreaming", nil},
	{rx(`(?:stop|end)\s+(?:the\s+)?stream(?:ing)?`), "streamer.stopStreaming", nil},
	{rx(`restart\s+(?:the\s+)?stream(?:ing)?`), "streamer.restartStream", nil},
	{rx(`(?:start|begin)\s+(?:the\s+)?record(?:ing)?`), "streamer.startRecording", nil},
	{rx(`(?:stop|end)\s+(?:the\s+)?record(?:ing)?`), "streamer.stopRecording", nil},
	{rx(`(?:reduce|lower|drop)\s+(?:the\s+)?bitrate(?:\s+by\s+(\d+)\s*(?:%|percent))?`), "streamer.reduceBitrate", func(m []string) map[string]any {
		percent := 20
		if m[1] != "" {
			percent, _ = strconv.Atoi(m[1])
		}
		return map[string]any{"percent": percent}
	}},
	{rx(`set\s+(?:the\s+)?bitrate\s+to\s+(\d+)(?:\s*kbps)?`), "streamer.setBitrate", intArg("bitrate", 1)},
	{rx(`screenshot|show\s+me\s+the\s+stream|what\s+does\s+(?:the\s+stream|it)\s+look\s+like`), "streamer.screenshot", nil},
	{rx(`(?:switch\s+to\s+|set\s+)?scene\s+(.+)`), "streamer.setScene", strArg("scene", 1)},

	// Slides.
	{rx(`next\s+slide|advance\s+(?:the\s+)?slides?`), "slides.next", nil},
	{rx(`(?:previous|prev|last)\s+slide|go\s+back\s+a\s+slide`), "slides.previous", nil},
	{rx(`go\s+to\s+slide\s+(\d+)|slide\s+(\d+)`), "slides.gotoSlide", firstIntArg("index")},
	{rx(`(?:clear|blank)\s+(?:the\s+)?slides?`), "slides.clear", nil},

	// Mixer. Channel forms before master forms so "mute channel 1" never
	// falls through to the master rule.
	{rx(`mute\s+ch(?:annel)?\s*(\d+)`), "mixer.muteChannel", intArg("channel", 1)},
	{rx(`unmute\s+ch(?:annel)?\s*(\d+)`), "mixer.unmuteChannel", intArg("channel", 1)},
	{rx(`mute\s+(?:the\s+)?(?:master|mains?)`), "mixer.muteMaster", nil},
	{rx(`unmute\s+(?:the\s+)?(?:master|mains?)`), "mixer.unmuteMaster", nil},
	{rx(`set\s+ch(?:annel)?\s*(\d+)\s+(?:fader\s+)?to\s+(-?\d+(?:\.\d+)?)(?:\s*db)?`), "mixer.setFader", func(m []string) map[string]any {
		ch, _ := strconv.Atoi(m[1])
		level, _ := strconv.ParseFloat(m[2], 64)
		return map[string]any{"channel": ch, "level": level}
	}},
	{rx(`set\s+(?:the\s+)?(?:master|main)\s+(?:fader\s+)?to\s+(-?\d+(?:\.\d+)?)(?:\s*db)?`), "mixer.setMasterFader", func(m []string) map[string]any {
		level, _ := strconv.ParseFloat(m[1], 64)
		return map[string]any{"level": level}
	}},

	// Router.
	{rx(`(?:route|send)\s+(?:input\s+)?(\d+)\s+to\s+(?:output\s+)?(\d+)`), "router.route", func(m []string) map[string]any {
		in, _ := strconv.Atoi(m[1])
		out, _ := strconv.Atoi(m[2])
		return map[string]any{"input": in, "output": out}
	}},

	// Visuals and macro buttons. "press X button" before the bare "press X".
	{rx(`(?:play|trigger|fire)\s+clip\s+(.+)`), "visual.triggerClip", strArg("name", 1)},
	{rx(`(?:trigger|fire)\s+column\s+(.+)`), "visual.triggerColumn", strArg("column", 1)},
	{rx(`clear\s+(?:the\s+)?(?:visuals|clips)`), "visual.clearAll", nil},
	{rx(`press\s+(?:the\s+)?(.+?)\s+button`), "macro.pressByName", strArg("name", 1)},
	{rx(`press\s+(.+)`), "macro.pressByName", strArg("name", 1)},

	// System, preview, monitors.
	{rx(`(?:run\s+(?:the\s+)?)?pre[\s-]?service\s+check|check\s+everything|run\s+(?:the\s+)?checks?`), "system.preServiceCheck", nil},
	{rx(`(?:system\s+)?status|how(?:'s|\s+is)\s+everything(?:\s+looking)?`), "system.status", nil},
	{rx(`uptime`), "system.uptime", nil},
	{rx(`start\s+(?:the\s+)?preview`), "preview.start", nil},
	{rx(`stop\s+(?:the\s+)?preview`), "preview.stop", nil},
	{rx(`start\s+audio\s+monitoring`), "audio.startMonitoring", nil},
	{rx(`stop\s+audio\s+monitoring`), "audio.stopMonitoring", nil},
	{rx(`check\s+(?:the\s+)?stream(?:\s+health)?|stream\s+health`), "health.check", nil},
}

// Parse maps one trimmed line of operator text to a command, or nil when
// nothing in the vocabulary matches.
func Parse(text string) *Match {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		match := &Match{Command: p.command}
		if p.extract != nil {
			match.Params = p.extract(m)
		}
		return match
	}
	return nil
}

// Commands returns the distinct command names the vocabulary can emit, in
// table order. Used to verify the table against the command registry.
func Commands() []string {
	seen := make(map[string]bool, len(patterns))
	var names []string
	for _, p := range patterns {
		if !seen[p.command] {
			seen[p.command] = true
			names = append(names, p.command)
		}
	}
	return names
}
