package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/item"
)

func TestDeliverMailToFriend(t *testing.T) {
	e := newDeliveryEnv(t)
	ctx := context.Background()
	starter := e.seedPost()
	starter.Title = "Garden report"
	e.items.threads[10].Items[0].Title = "Garden report"
	e.owners.owners[7].ReplyTo = "alice-lists@arbor.example"
	e.contacts.add(&contact.Contact{
		ID:      2,
		URL:     "mailto:bob@mail.example",
		Addr:    "bob@mail.example",
		Network: contact.NetworkMail,
		Rel:     contact.RelFriend,
	})

	require.NoError(t, e.d.Deliver(ctx, CommandPost, 10, 2))
	require.Len(t, e.mailer.sent, 1)
	sent := e.mailer.sent[0]
	assert.Equal(t, "bob@mail.example", sent.Addr)
	assert.Equal(t, "Garden report", sent.Subject)
	// Friends see the owner's real address.
	assert.Contains(t, sent.Headers, "From: Alice <alice-lists@arbor.example>")
	assert.Contains(t, sent.Headers, "Sender: alice@arbor.example")
	assert.Contains(t, sent.Headers, "Message-Id: <https://arbor.example/item/10>")
	assert.NotContains(t, sent.Headers, "References:")
}

func TestDeliverMailToStranger(t *testing.T) {
	e := newDeliveryEnv(t)
	ctx := context.Background()
	e.seedPost()
	e.contacts.add(&contact.Contact{
		ID:      2,
		URL:     "mailto:bob@mail.example",
		Addr:    "bob@mail.example",
		Network: contact.NetworkMail,
		Rel:     contact.RelFollower,
	})

	require.NoError(t, e.d.Deliver(ctx, CommandPost, 10, 2))
	require.Len(t, e.mailer.sent, 1)
	sent := e.mailer.sent[0]
	assert.Equal(t, noSubject, sent.Subject)
	assert.Contains(t, sent.Headers, "From: Alice <noreply@arbor.example>")
	assert.NotContains(t, sent.Headers, "alice@arbor.example")
}

func TestDeliverMailReply(t *testing.T) {
	e := newDeliveryEnv(t)
	ctx := context.Background()
	comment := e.seedComment(true)
	e.items.titles[comment.ParentURI] = "Re: aw: Garden report"
	e.contacts.add(&contact.Contact{
		ID:      2,
		URL:     "mailto:bob@mail.example",
		Addr:    "bob@mail.example",
		Network: contact.NetworkMail,
		Rel:     contact.RelFriend,
	})

	require.NoError(t, e.d.Deliver(ctx, CommandPost, 11, 2))
	require.Len(t, e.mailer.sent, 1)
	sent := e.mailer.sent[0]
	// The inherited title collapses to a single reply prefix.
	assert.Equal(t, "Re: Garden report", sent.Subject)
	assert.Contains(t, sent.Headers, "References: <https://arbor.example/item/10>")
}

func TestDeliverMailSkipsActivities(t *testing.T) {
	e := newDeliveryEnv(t)
	ctx := context.Background()
	starter := e.seedPost()
	starter.Verb = "like"
	e.items.threads[10].Items[0].Verb = "like"
	e.contacts.add(&contact.Contact{
		ID:      2,
		URL:     "mailto:bob@mail.example",
		Addr:    "bob@mail.example",
		Network: contact.NetworkMail,
	})

	require.NoError(t, e.d.Deliver(ctx, CommandPost, 10, 2))
	require.Empty(t, e.mailer.sent)
}

func TestMailHeadersNested(t *testing.T) {
	e := newDeliveryEnv(t)
	owner := &contact.Owner{UID: 7, Username: "Alice", Email: "alice@arbor.example"}
	c := &contact.Contact{Rel: contact.RelFriend}
	target := &item.Item{
		URI:       "https://arbor.example/item/12",
		ParentURI: "https://arbor.example/item/10",
		ThrParent: "https://arbor.example/item/11",
	}
	headers, err := e.d.mailHeaders(owner, c, target)
	require.NoError(t, err)
	assert.Contains(t, headers, "References: <https://arbor.example/item/10> <https://arbor.example/item/11>")
}

func TestSenderAddressConfigured(t *testing.T) {
	e := newDeliveryEnv(t)
	e.config.strings["config.sender_email"] = "postmaster@arbor.example"
	addr, err := e.d.senderAddress()
	require.NoError(t, err)
	assert.Equal(t, "postmaster@arbor.example", addr)
}

func TestStripReply(t *testing.T) {
	for _, tc := range []struct {
		in, out string
	}{
		{"Hello", "Hello"},
		{"Re: Hello", "Hello"},
		{"Re: Re: aw: Hello", "Hello"},
		{"  RE:   Aw: Hello ", "Hello"},
		{"Regards", "Regards"},
	} {
		assert.Equal(t, tc.out, stripReply(tc.in), "subject %q", tc.in)
	}
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "https://arbor.example/item/10",
		messageID("<https://arbor.example/item/10>"))
	assert.Equal(t, "urn:x-arbor:-guid-10", messageID("urn:x-arbor: guid-10"))
}
