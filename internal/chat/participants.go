package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"shainy/internal/api"
)

var ErrGrantSelf = errors.New("cannot grant permission to yourself")

// Participants is the membership of one chat and, per member, whether they
// can see the current user's messages.
type Participants struct {
	chatID        string
	currentUserID string
	coord         *Coordinator
	api           ParticipantAPI
	log           zerolog.Logger

	state *Observable[[]Participant]
}

func NewParticipants(coord *Coordinator, client ParticipantAPI, chatID, currentUserID string, log zerolog.Logger) *Participants {
	return &Participants{
		chatID:        chatID,
		currentUserID: currentUserID,
		coord:         coord,
		api:           client,
		log:           log.With().Str("component", "participants").Str("chat_id", chatID).Logger(),
		state:         NewObservable[[]Participant](nil),
	}
}

func (p *Participants) List() []Participant { return p.state.Get() }

func (p *Participants) Subscribe(fn func([]Participant)) (cancel func()) {
	return p.state.Subscribe(fn)
}

// Refresh reloads the membership. The current user is always present in the
// result, even when the server omits them.
func (p *Participants) Refresh(ctx context.Context) error {
	dtos, err := p.api.ListParticipants(ctx, p.chatID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}

	list := make([]Participant, 0, len(dtos)+1)
	haveSelf := false
	for _, dto := range dtos {
		pt := fromParticipantDTO(dto)
		if p.currentUserID != "" && pt.UserID == p.currentUserID {
			pt.IsCurrentUser = true
		}
		if pt.IsCurrentUser {
			haveSelf = true
		}
		list = append(list, pt)
	}
	if !haveSelf && p.currentUserID != "" {
		list = append(list, Participant{UserID: p.currentUserID, CanSeeMyMessages: true, IsCurrentUser: true})
	}

	return p.coord.Exec(func() { p.state.Set(list) })
}

func fromParticipantDTO(dto api.ParticipantDTO) Participant {
	pt := Participant{
		UserID:           dto.UserID,
		CanSeeMyMessages: dto.CanSeeMyMessages,
		IsCurrentUser:    dto.IsCurrentUser,
	}
	if dto.Nickname != nil {
		pt.Nickname = *dto.Nickname
	}
	if dto.JoinedAt != nil {
		pt.JoinedAt = api.Millis(*dto.JoinedAt)
	}
	return pt
}

// NeedsSharing returns the other members who cannot see the current user's
// messages yet and who have picked a nickname. Members without a nickname
// are not offered, since there is no name to show in the prompt.
func (p *Participants) NeedsSharing() []Participant {
	var out []Participant
	for _, pt := range p.List() {
		if !pt.IsCurrentUser && !pt.CanSeeMyMessages && pt.Nickname != "" {
			out = append(out, pt)
		}
	}
	return out
}

// Grant lets participantID see the current user's messages, then reloads the
// membership so the flag reflects the server.
func (p *Participants) Grant(ctx context.Context, participantID string) error {
	if slices.ContainsFunc(p.List(), func(pt Participant) bool {
		return pt.UserID == participantID && pt.IsCurrentUser
	}) {
		return ErrGrantSelf
	}
	if err := p.api.GrantPermission(ctx, p.chatID, participantID); err != nil {
		p.log.Warn().Err(err).Str("participant_id", participantID).Msg("grant permission failed")
		return fmt.Errorf("grant permission: %w", err)
	}
	p.log.Info().Str("participant_id", participantID).Msg("permission granted")
	return p.Refresh(ctx)
}
