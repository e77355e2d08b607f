package services

import (
	"errors"
	"time"

	"peerlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token expired")
	ErrParticipantDenied = errors.New("token not issued for participant")
)

// AuthService issues and checks the tokens a participant presents when opening a
// signaling socket.
type AuthService interface {
	GenerateToken(participantID domain.ParticipantID) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	Authorize(tokenString string, participantID domain.ParticipantID) error
}

type Claims struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	issuer    string
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(jwtSecret, issuer string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *authService) GenerateToken(participantID domain.ParticipantID) (string, error) {
	now := s.now()
	claims := &Claims{
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(participantID),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// Authorize checks that the token is valid and was issued for participantID
func (s *authService) Authorize(tokenString string, participantID domain.ParticipantID) error {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	if claims.ParticipantID != participantID || claims.Subject != string(participantID) {
		return ErrParticipantDenied
	}
	return nil
}
