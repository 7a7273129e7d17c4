// Package texts renders every user-facing message. Handlers and the
// broadcast engine never build strings inline.
package texts

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

func at(user string) string { return "@" + user }

// ConfirmCommand is the text command a contact uses to accept owner's invite.
func ConfirmCommand(owner string) string { return "/confirm_" + owner }

// RevokeCommand is the text command an owner uses to withdraw one invite.
func RevokeCommand(user string) string { return "/revoke_" + user }

func Pinging(user string) string {
	return fmt.Sprintf("Pinging %s... (%s to skip)", at(user), RevokeCommand(user))
}

func Invite(target, owner string, minutes int) string {
	return fmt.Sprintf("Hey %s\n\n%s is free for a call for about %d minutes. Tap %s if you can chat right now :)",
		target, at(owner), minutes, ConfirmCommand(owner))
}

const InviteButton = "📞 I'm free"

// ConfirmCallback is the inline-button payload of an invite from owner.
func ConfirmCallback(owner string) string { return "call:confirm:" + owner }

// DurationCallback and TrackCallback are the payloads of the /free and
// /track keyboards.
func DurationCallback(minutes int) string { return fmt.Sprintf("free:duration:%d", minutes) }
func TrackCallback(user string) string    { return "track:call:" + user }

func AllPinged() string {
	return "Everyone on your list has been pinged, now let's wait for someone to confirm"
}

func NoneAvailable() string {
	return "Looks like none of your friends is free right now, so I withdrew the invites. Tap /free to try again later"
}

func NoContactsAvailable() string {
	return "None of your contacts has connected with the bot yet. Add people with /newcontact and ask them to tap Start on the bot"
}

func SkippedRecent(users []string, window time.Duration) string {
	return fmt.Sprintf("Skipped %s since you talked within the last %s",
		strings.Join(lo.Map(users, func(u string, _ int) string { return at(u) }), ", "), humanWindow(window))
}

func humanWindow(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func ForwardIntro(contact string) string {
	return fmt.Sprintf("Looks like %s hasn't connected with the bot yet, please forward them the next message:", at(contact))
}

func ForwardInvite(contact, botUsername string) string {
	return fmt.Sprintf("Hey %s, I'd like to add you to my call list. Please open https://t.me/%s and tap Start to connect",
		at(contact), botUsername)
}

func OwnerConfirmed(confirmer string) string {
	return fmt.Sprintf("%s just confirmed the call, you two should connect 🤗", at(confirmer))
}

func ConfirmerConfirmed(owner string) string {
	return fmt.Sprintf("Call confirmed, please hit the call button to reach %s", at(owner))
}

func ContactNotFound(user string) string {
	return fmt.Sprintf("Couldn't find %s in your contact list, so the call wasn't tracked", at(user))
}

func AlreadyResolved(owner string) string {
	return fmt.Sprintf("Too late, %s already connected with someone else or is no longer available", at(owner))
}

func NotInvited(owner string) string {
	return fmt.Sprintf("%s hasn't sent you an invite right now", at(owner))
}

func Unreachable(owner string) string {
	return fmt.Sprintf("Couldn't reach %s, they have to text the bot first", at(owner))
}

func Tracked(user string) string {
	return fmt.Sprintf("Alright, updated the last call with %s", at(user))
}

func TrackNotFound(user string) string {
	return fmt.Sprintf("Couldn't find %s, please make sure they're in your contact list", at(user))
}

func Revoked(user string) string       { return fmt.Sprintf("Revoked the invite for %s", at(user)) }
func AlreadyRevoked(user string) string { return fmt.Sprintf("%s is already revoked", at(user)) }
func UnknownUser(user string) string    { return fmt.Sprintf("Could not find %s", at(user)) }

func Stopped() string { return "Alright, revoked all sent out invites" }

func BroadcastFailed() string {
	return "Something went wrong while sending invites, please try again in a minute"
}

func AskDuration() string { return "Roughly, how many minutes are you free?" }

func DurationButton(minutes int) string { return fmt.Sprintf("%d minutes", minutes) }

func AskTrack() string { return "Who did you talk with?" }

func NeedUsername() string {
	return "You don't have a Telegram username yet. Please pick one in your Telegram profile and text me again 🤗"
}

func AskNewContact() string {
	return "Please send me your friend's Telegram username. It's shown in their profile; if they don't have one yet they'll need to claim it first"
}

func UsernameHasSpaces() string { return "A Telegram username can't contain spaces" }

func ContactSaved() string { return "✅ New contact saved" }

func ContactExists(user string) string {
	return fmt.Sprintf("⚠️ %s is already in your contact list", at(user))
}

func ContactRemoved(user string) string {
	return fmt.Sprintf("Removed %s from your contact list", at(user))
}

func ContactMissing(user string) string {
	return fmt.Sprintf("Could not find a contact named %s, see /contacts for your list", at(user))
}

func RemoveUsage() string { return "Please send `/removecontact username` in one line to remove a contact" }

func NoContacts() string { return "No contacts stored yet, run /newcontact [telegram user] to add one" }

func NotUnderstood() string { return "Sorry, I couldn't understand what you're trying to do" }

func Failure() string { return "Something went wrong, please try again" }

func Help() string {
	return strings.Join([]string{
		"The following commands are available:",
		"",
		"/newcontact [name] Add a contact (Telegram username)",
		"/removecontact [name] Remove a contact",
		"/contacts List your contacts",
		"/free Mark yourself as free for a call",
		"/stop Mark yourself as unavailable",
		"/track Record a call manually, e.g. after meeting in person",
		"/stats Show bot usage numbers",
		"/help Show this help",
	}, "\n")
}

func Welcome() []string {
	return []string{
		"Staying in touch with friends who live far away takes effort. Scheduled calls work, but time zones and calendars get in the way.",
		"This bot keeps it spontaneous: when you have a few free minutes, tap /free and your contacts get invited one after another, longest-unseen first.",
		"The first one to confirm gets connected with you and every other invite is withdrawn right away.",
		"If you got invited to this bot you're all set, you'll get a message whenever a friend is free.",
		"If you want to use it yourself, tap /help to get started.",
	}
}

type StatsView struct {
	Owners      int
	Contacts    int
	Calls       int
	OpenInvites int
}

func Stats(v StatsView) string {
	return strings.Join([]string{
		fmt.Sprintf("%d people use the bot to set up calls", v.Owners),
		fmt.Sprintf("%d people are in someone's address book", v.Contacts),
		fmt.Sprintf("%d calls connected through this bot", v.Calls),
		fmt.Sprintf("%d invites are waiting for an answer right now", v.OpenInvites),
	}, "\n")
}

// ContactLine is one row of the /contacts listing.
type ContactLine struct {
	User       string
	LastCallAt *time.Time
	CallCount  int
	Connected  bool
}

func ContactList(lines []ContactLine, now time.Time) string {
	rows := lo.Map(lines, func(l ContactLine, _ int) string {
		emoji, when := contactStatus(l, now)
		return fmt.Sprintf("%s %s: %s (%s)", emoji, when, at(l.User), plural(l.CallCount, "call"))
	})
	return strings.Join(rows, "\n")
}

func contactStatus(l ContactLine, now time.Time) (emoji, when string) {
	if !l.Connected {
		return "🧶", "Didn't accept invite"
	}
	if l.LastCallAt == nil {
		return "➡", "Never"
	}
	days := int(now.Sub(*l.LastCallAt).Hours() / 24)
	switch {
	case days == 0:
		return "✅", "Today"
	case days > 7:
		return "➡", plural(days, "day") + " ago"
	default:
		return "✅", plural(days, "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
