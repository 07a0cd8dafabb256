// Package token signs the impression tokens handed out with served ads.
// A client redeems the token to confirm delivery, which records the
// impression in the user's history.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/patrickwarner/adengine/internal/models"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

var nowFn = time.Now

// payload structure for encoding/decoding
type payload struct {
	UUID   string `json:"id"`
	Type   string `json:"ty"`
	CrID   string `json:"c"`
	SetID  string `json:"s"`
	CID    string `json:"cid"`
	AdvID  string `json:"a"`
	Seg    string `json:"sg,omitempty"`
	UserID string `json:"u"`
	TS     int64  `json:"t"`
}

// Claims are the values carried by a verified token.
type Claims struct {
	UserID   string
	Ad       models.AdRecord
	IssuedAt time.Time
}

// Generate creates a signed token for an ad served to userID.
func Generate(ad models.AdRecord, userID string, secret []byte) (string, error) {
	if ad.CreativeInstanceID == "" {
		return "", errors.New("token: ad has no creative instance id")
	}
	pl := payload{
		UUID:   ad.UUID,
		Type:   ad.Type.String(),
		CrID:   ad.CreativeInstanceID,
		SetID:  ad.CreativeSetID,
		CID:    ad.CampaignID,
		AdvID:  ad.AdvertiserID,
		Seg:    ad.Segment,
		UserID: userID,
		TS:     nowFn().Unix(),
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sign(data, secret)), nil
}

func sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks the token integrity and expiry and returns its claims.
// A ttl of zero disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal(sign(data, secret), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && nowFn().Sub(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{
		UserID:   pl.UserID,
		IssuedAt: issued,
		Ad: models.AdRecord{
			Type:               models.AdType(pl.Type),
			UUID:               pl.UUID,
			CreativeInstanceID: pl.CrID,
			CreativeSetID:      pl.SetID,
			CampaignID:         pl.CID,
			AdvertiserID:       pl.AdvID,
			Segment:            pl.Seg,
		},
	}, nil
}
