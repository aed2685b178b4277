package chat

import (
	"errors"
	"fmt"

	"shainy/internal/api"
	"shainy/internal/shacrypt"
)

var ErrNoKey = errors.New("no key for chat")

// openMessage converts a wire message into the domain model. It always returns a
// usable Message; when decryption fails the text stays the envelope and the
// error says why. A hash mismatch is not an error, it only marks Integrity.
func openMessage(c Cipher, dto api.MessageDTO, key, currentUserID string) (Message, error) {
	m := Message{
		ID:                dto.ID,
		Text:              dto.Text,
		EncryptedText:     dto.Text,
		SHAHash:           dto.SHAHash,
		Timestamp:         api.Millis(dto.Timestamp),
		SenderID:          dto.UserID,
		IsFromCurrentUser: currentUserID != "" && dto.UserID == currentUserID,
		IsSystem:          dto.IsSystem,
	}
	if dto.SenderName != nil {
		m.SenderName = *dto.SenderName
	}
	if dto.ReplyTo != nil {
		m.ReplyTo = &Reply{
			MessageID:     dto.ReplyTo.MessageID,
			Text:          dto.ReplyTo.Text,
			EncryptedText: dto.ReplyTo.Text,
			SenderName:    dto.ReplyTo.SenderName,
			Timestamp:     api.Millis(dto.ReplyTo.Timestamp),
		}
	}
	return decryptInto(c, m, key)
}

// decryptInto decrypts m (and its reply preview) from its stored ciphertext.
func decryptInto(c Cipher, m Message, key string) (Message, error) {
	if key == "" {
		return m, ErrNoKey
	}

	plain, err := c.Decrypt(m.EncryptedText, key)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Text = plain
	m.Decrypted = true
	m.Integrity = IntegrityVerified
	if !c.Verify(plain, m.SHAHash) {
		m.Integrity = IntegrityMismatch
	}

	if m.ReplyTo != nil && shacrypt.IsEnvelope(m.ReplyTo.EncryptedText) {
		r := *m.ReplyTo
		if text, err := c.Decrypt(r.EncryptedText, key); err == nil {
			r.Text = text
		}
		m.ReplyTo = &r
	}
	return m, nil
}

// decryptName returns the display name of a chat. Encrypted names fall back
// to the server-side name when no key is known or decryption fails.
func decryptName(c Cipher, dto api.ChatDTO, key string) (name string, custom bool) {
	if dto.EncryptedName == nil || *dto.EncryptedName == "" || key == "" {
		return dto.Name, false
	}
	plain, err := c.Decrypt(*dto.EncryptedName, key)
	if err != nil {
		return dto.Name, false
	}
	return plain, true
}

// decryptPreview decrypts a last-message preview, leaving it unchanged on failure.
func decryptPreview(c Cipher, text, key string) string {
	if key == "" || !shacrypt.IsEnvelope(text) {
		return text
	}
	plain, err := c.Decrypt(text, key)
	if err != nil {
		return text
	}
	return plain
}
