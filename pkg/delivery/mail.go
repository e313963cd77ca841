package delivery

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/item"
)

// noSubject stands in for messages without a title.
const noSubject = "(no subject)"

// deliverMail delivers an item to a mail contact.
//
// Only plain posts and pokes leave by mail; likes, retractions and other
// activities have no sensible mail rendering. Replies get threaded headers
// (References pointing at the thread) and a "Re: " subject derived from the
// thread title.
func (d *Deliverer) deliverMail(ctx context.Context, env *Envelope, c *contact.Contact) error {
	if off, err := d.Config.GetBool(ctx, "system", "dfrn_only", false); err != nil {
		return err
	} else if off {
		return nil
	}
	if c.Addr == "" {
		return nil
	}
	if env.Command != CommandPost && env.Command != CommandPoke {
		return nil
	}
	target := env.Target()
	if target == nil || target.Verb != ActivityPost {
		return nil
	}

	headers, err := d.mailHeaders(env.Owner, c, target)
	if err != nil {
		return err
	}
	subject, err := d.mailSubject(ctx, env.Owner, target)
	if err != nil {
		return err
	}
	d.Log.Info("Delivering via mail",
		zap.String("delivery.guid", env.GUID),
		zap.String("delivery.to", c.Addr),
		zap.String("delivery.subject", subject))
	return d.Mailer.Send(ctx, c.Addr, subject, headers, target)
}

// mailHeaders builds the From/Sender/Message-Id/References header block.
// The owner's real address is only exposed to confirmed friends; everyone
// else sees the instance's no-reply sender.
func (d *Deliverer) mailHeaders(owner *contact.Owner, c *contact.Contact, target *item.Item) (string, error) {
	var b strings.Builder
	if c.Rel == contact.RelFriend && !c.Blocked {
		if owner.ReplyTo != "" {
			fmt.Fprintf(&b, "From: %s <%s>\n", owner.Username, owner.ReplyTo)
			fmt.Fprintf(&b, "Sender: %s\n", owner.Email)
		} else {
			fmt.Fprintf(&b, "From: %s <%s>\n", owner.Username, owner.Email)
		}
	} else {
		sender, err := d.senderAddress()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "From: %s <%s>\n", owner.Username, sender)
	}
	fmt.Fprintf(&b, "Message-Id: <%s>\n", messageID(target.URI))
	if target.URI != target.ParentURI {
		fmt.Fprintf(&b, "References: <%s>", messageID(target.ParentURI))
		// Deeper nesting names the direct parent too.
		if target.ThrParent != "" && target.ThrParent != target.ParentURI {
			fmt.Fprintf(&b, " <%s>", messageID(target.ThrParent))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// senderAddress is the no-reply address used towards non-friends.
func (d *Deliverer) senderAddress() (string, error) {
	if addr, err := d.Config.Get(context.Background(), "config", "sender_email"); err == nil && addr != "" {
		return addr, nil
	}
	host := d.Options.BaseURL
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if host == "" {
		return "", fmt.Errorf("no sender address configured and no base URL set")
	}
	return "noreply@" + host, nil
}

// mailSubject derives the subject line.
// Untitled replies inherit the thread's title; replies get exactly one
// "Re: " prefix regardless of how the thread was titled before.
func (d *Deliverer) mailSubject(ctx context.Context, owner *contact.Owner, target *item.Item) (string, error) {
	subject := target.Title
	if target.URI == target.ParentURI {
		if subject == "" {
			subject = noSubject
		}
		return subject, nil
	}
	if subject == "" {
		title, err := d.Items.Title(ctx, owner.UID, target.ParentURI)
		if err != nil {
			return "", err
		}
		subject = title
	}
	if subject == "" {
		subject = noSubject
	}
	return "Re: " + stripReply(subject), nil
}

// stripReply removes any stack of existing reply prefixes.
// Both the English "Re:" and the German "Aw:" count.
func stripReply(subject string) string {
	for {
		trimmed := strings.TrimSpace(subject)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "re:") || strings.HasPrefix(lower, "aw:") {
			subject = trimmed[3:]
			continue
		}
		return trimmed
	}
}

// messageID turns an item URI into an RFC 2822 message id.
func messageID(uri string) string {
	replacer := strings.NewReplacer("<", "", ">", "", " ", "-")
	return replacer.Replace(uri)
}
