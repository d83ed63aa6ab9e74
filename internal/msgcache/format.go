package msgcache

import (
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
)

// emojiPattern matches the common Unicode emoji blocks.
var emojiPattern = regexp.MustCompile("[" +
	"\U0001F600-\U0001F64F" + // emoticons
	"\U0001F300-\U0001F5FF" + // symbols & pictographs
	"\U0001F680-\U0001F6FF" + // transport & map symbols
	"\U0001F700-\U0001F77F" + // alchemical symbols
	"\U0001F780-\U0001F7FF" + // geometric shapes extended
	"\U0001F800-\U0001F8FF" + // supplemental arrows-C
	"\U0001F900-\U0001F9FF" + // supplemental symbols and pictographs
	"\U0001FA00-\U0001FA6F" + // chess symbols, etc.
	"\U0001FA70-\U0001FAFF" + // symbols and pictographs extended-A
	"✂-➰" + // dingbats
	"Ⓜ-\U0001F251" + // enclosed characters
	"]+")

// customEmojiPattern matches platform custom emoji markup like <:name:123>.
var customEmojiPattern = regexp.MustCompile(`<a?:\w+:\d+>`)

// StripEmoji removes Unicode and platform custom emojis from text.
func StripEmoji(text string) string {
	text = emojiPattern.ReplaceAllString(text, "")
	text = customEmojiPattern.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// StripPatterns removes every configured regex pattern from text. Invalid
// patterns are logged and skipped rather than failing the capture.
func StripPatterns(text string, patterns []string) string {
	for _, p := range patterns {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			log.Printf("[Cache] Bad strip pattern %q: %v", p, err)
			continue
		}
		text = re.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// displayName prefers the author's display name, falling back to username.
func displayName(name, username string) string {
	if name != "" {
		return name
	}
	return username
}

// renderFragment formats one inbound message into a cache fragment using the
// session's templates. Reply messages use the reply template with the
// referenced message's fields filled in.
func renderFragment(msg platform.MessageEvent, cfg session.Config, now time.Time) (fragment, author string) {
	text := msg.Content
	name := displayName(msg.AuthorName, msg.Username)
	if cfg.DropUserEmoji {
		text = StripEmoji(text)
		name = StripEmoji(name)
	}
	text = StripPatterns(text, cfg.StripUserPatterns)

	pairs := []string{
		"{time}", now.Format("15:04"),
		"{username}", msg.Username,
		"{name}", name,
		"{message}", text,
	}

	template := cfg.UserTemplate
	if msg.ReplyTo != nil {
		template = cfg.ReplyTemplate
		replyText := msg.ReplyTo.Content
		replyName := displayName(msg.ReplyTo.AuthorName, msg.ReplyTo.Username)
		if cfg.DropUserEmoji {
			replyText = StripEmoji(replyText)
			replyName = StripEmoji(replyName)
		}
		replyText = StripPatterns(replyText, cfg.StripUserPatterns)
		pairs = append(pairs,
			"{reply_username}", msg.ReplyTo.Username,
			"{reply_name}", replyName,
			"{reply_message}", replyText,
		)
	}

	return strings.NewReplacer(pairs...).Replace(template), name
}
