package chat

import (
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nattyright/grail-kun/internal/watch"
)

const (
	customIDPrefix = "sheetwatch"
	alertColor     = 0xE67E22
)

var buttonStyles = map[string]discordgo.ButtonStyle{
	"primary":   discordgo.PrimaryButton,
	"secondary": discordgo.SecondaryButton,
	"success":   discordgo.SuccessButton,
	"danger":    discordgo.DangerButton,
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func toMessage(m *discordgo.Message) watch.Message {
	out := watch.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		CommunityID: m.GuildID,
		WebhookID:   m.WebhookID,
		Content:     m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorBot = m.Author.Bot
	}
	for _, u := range m.Mentions {
		out.MentionIDs = append(out.MentionIDs, u.ID)
	}
	for _, e := range m.Embeds {
		card := watch.Card{URL: e.URL, Title: e.Title, Description: e.Description}
		for _, f := range e.Fields {
			card.Fields = append(card.Fields, watch.CardField{Name: f.Name, Value: f.Value})
		}
		if e.Footer != nil {
			card.Footer = e.Footer.Text
		}
		if e.Author != nil {
			card.AuthorName = e.Author.Name
			card.AuthorURL = e.Author.URL
		}
		out.Cards = append(out.Cards, card)
	}
	return out
}

// renderAlert turns an alert into an embed with one row of buttons. An alert
// without controls yields an empty component list, which clears any buttons
// left on an edited message.
func renderAlert(a watch.Alert) ([]*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	e := &discordgo.MessageEmbed{Title: a.Title, Description: a.Description, Color: alertColor}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	embeds := []*discordgo.MessageEmbed{e}
	if len(a.Controls) == 0 {
		return embeds, []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, ctl := range a.Controls {
		style, ok := buttonStyles[ctl.Style]
		if !ok {
			style = discordgo.SecondaryButton
		}
		row.Components = append(row.Components, discordgo.Button{
			Style:    style,
			Label:    ctl.Label,
			CustomID: CustomID(ctl.Action, a.IncidentID),
			Disabled: ctl.Disabled,
		})
	}
	return embeds, []discordgo.MessageComponent{row}
}

// CustomID encodes a button's action and incident.
func CustomID(action, incidentID string) string {
	return customIDPrefix + ":" + action + ":" + incidentID
}

// ParseCustomID reverses CustomID.
func ParseCustomID(id string) (action, incidentID string, ok bool) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] != customIDPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
