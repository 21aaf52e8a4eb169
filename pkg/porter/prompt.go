package porter

import (
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-porter/pkg/session"
)

const baseInstructions = `You are a doorbell porter: a helpful assistant speaking to visitors through the doorbell intercom.
Keep your responses short and clear, the way you would speak over an intercom.
Be friendly but professional.

VOICE:
- connect_voice opens two-way audio with the visitor. Call it before you say anything.
- disconnect_voice ends the call. Only call it when the visitor says goodbye, asks to hang up, or clearly wants to end the conversation.
- Before calling disconnect_voice, say your whole goodbye first. Never call it while you still have something to say.
- When the visitor starts talking, stop and listen. Interruptions are handled for you; they are never a reason to disconnect.

CONVERSATION:
1. Call connect_voice.
2. Greet the visitor warmly.
3. Let them speak after your greeting.
4. Answer their questions or take a message.
5. Keep it natural and avoid repeating yourself.`

// Instructions returns the system prompt for the enabled features.
func Instructions(f Features) string {
	var b strings.Builder
	b.WriteString(baseInstructions)

	var extra []string
	extra = append(extra, "- take_snapshot captures an image from the doorbell camera.")
	if f.Vision {
		extra = append(extra,
			"- Snapshots come back with a vision analysis. Use analyze_snapshot to ask a specific question about the latest one.")
	}
	if f.Weather {
		extra = append(extra,
			"- get_weather reports current conditions. Coordinates are optional; the default is the home location.")
	}
	if f.Light {
		extra = append(extra,
			"- turn_light_on and turn_light_off control the porch light. Turn it on when it is dark and off when the visitor leaves.")
	}
	extra = append(extra, "- get_datetime tells you the local time and date.")

	b.WriteString("\n\nOTHER TOOLS:\n")
	b.WriteString(strings.Join(extra, "\n"))
	return b.String()
}

const ringTemplate = `Event: %s

Please greet the visitor and assist them. You should:
1. Call connect_voice to establish two-way communication
2. Greet them warmly and professionally
3. Ask how you can help them`

// RingPrompt builds the first conversation item for a ring. snapshot is a
// one-line note about the automatic snapshot, or empty.
func RingPrompt(ev session.RingEvent, zone *time.Location, snapshot string) string {
	if zone == nil {
		zone = time.Local
	}
	msg := ev.Message
	if msg == "" {
		msg = "Someone pressed the doorbell"
	}
	if ev.Model != "" {
		msg += " (" + ev.Model + ")"
	}
	msg += " at " + ev.Timestamp.In(zone).Format("03:04 PM")

	prompt := fmt.Sprintf(ringTemplate, msg)
	if snapshot != "" {
		prompt += "\n4. Review the snapshot to better assist the visitor"
		prompt += "\n\nA snapshot has been automatically taken: " + snapshot
	}
	return prompt
}
