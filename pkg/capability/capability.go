// Package capability implements the capability/credential module of
// spec.md §4.2: signed, time-bounded authorization tokens and principal
// identities, verified against a (fs_id, op, handle, now) tuple.
package capability

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/objectfs/pvfs2client/pkg/pvfs"
)

// RefreshMargin is the remaining-life threshold below which a client
// refreshes a capability or credential, to avoid tearing a request at the
// expiry boundary (spec.md §4.2).
const RefreshMargin = 120 * time.Second

// OpMask is a bitset of the operations a capability authorizes.
type OpMask uint32

const (
	OpLookup OpMask = 1 << iota
	OpCreate
	OpGetattr
	OpSetattr
	OpIORead
	OpIOWrite
	OpRemove
	OpRename
	OpReaddir
	OpCrdirent
	OpRmdirent

	OpAll = OpLookup | OpCreate | OpGetattr | OpSetattr | OpIORead | OpIOWrite |
		OpRemove | OpRename | OpReaddir | OpCrdirent | OpRmdirent
)

// Has reports whether m includes every bit of op.
func (m OpMask) Has(op OpMask) bool { return m&op == op }

// VerifyResult is the outcome of verifying a capability or credential
// against a requested use (spec.md §4.2).
type VerifyResult int

const (
	Ok VerifyResult = iota
	InvalidSig
	Expired
	WrongFs
	OpNotPermitted
	HandleNotCovered
)

func (r VerifyResult) String() string {
	switch r {
	case Ok:
		return "Ok"
	case InvalidSig:
		return "InvalidSig"
	case Expired:
		return "Expired"
	case WrongFs:
		return "WrongFs"
	case OpNotPermitted:
		return "OpNotPermitted"
	case HandleNotCovered:
		return "HandleNotCovered"
	default:
		return "Unknown"
	}
}

// Signer produces a compact signature (a JWS) over a capability's or
// credential's claim set. Concrete signing (HMAC/RSA key material,
// certificate stores, OpenSSL contexts) is external to this repo (spec.md
// §1 Out-of-scope); this interface is the only thing designed here.
type Signer interface {
	Sign(claims jwt.Claims) (string, error)
}

// Verifier checks a compact signature and returns the parsed token, or an
// error if the signature doesn't verify under the verifier's key(s).
type Verifier interface {
	Parse(token string, claims jwt.Claims) (*jwt.Token, error)
}

// HMACKey is a minimal Signer/Verifier backed by a single HMAC-SHA256 key,
// useful for tests and single-tenant deployments.
type HMACKey struct {
	Secret []byte
}

func (k HMACKey) Sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.Secret)
}

func (k HMACKey) Parse(token string, claims jwt.Claims) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("capability: unexpected signing method %v", t.Header["alg"])
		}
		return k.Secret, nil
	})
}

// capClaims is the JWT claim shape a Capability's signature covers.
type capClaims struct {
	jwt.RegisteredClaims
	FSID      pvfs.FSID     `json:"fs_id"`
	OpMask    OpMask        `json:"op_mask"`
	HandleSet []pvfs.Handle `json:"handle_set"`
}

// Capability authorizes the named operations on the named handles until
// Timeout (spec.md §3). Sig covers every other field.
type Capability struct {
	Issuer    string
	FSID      pvfs.FSID
	Timeout   int64 // unix seconds
	OpMask    OpMask
	HandleSet []pvfs.Handle
	Sig       []byte
}

// NullCapability returns the distinguishable sentinel with empty issuer and
// zero op_mask (spec.md §4.2). IsNull reports true for it and for any
// capability with no issuer, op mask, handles or signature, whatever its
// FSID and Timeout.
func NullCapability() Capability {
	return Capability{}
}

// IsNull reports whether c is the null-capability sentinel.
func (c Capability) IsNull() bool {
	return c.Issuer == "" && c.OpMask == 0 && len(c.HandleSet) == 0 && len(c.Sig) == 0
}

// NewCapability constructs and signs a capability (server-side operation
// per spec.md §4.2).
func NewCapability(signer Signer, issuer string, fsid pvfs.FSID, opMask OpMask, handles []pvfs.Handle, ttl time.Duration) (Capability, error) {
	now := time.Now()
	expires := now.Add(ttl)

	claims := capClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		FSID:      fsid,
		OpMask:    opMask,
		HandleSet: append([]pvfs.Handle(nil), handles...),
	}

	token, err := signer.Sign(claims)
	if err != nil {
		return Capability{}, fmt.Errorf("capability: sign: %w", err)
	}

	return Capability{
		Issuer:    issuer,
		FSID:      fsid,
		Timeout:   expires.Unix(),
		OpMask:    opMask,
		HandleSet: claims.HandleSet,
		Sig:       []byte(token),
	}, nil
}

// Verify checks the capability's signature (via verifier) and its fitness
// for use against (fsid, op, handle) at time now, per the VerifyResult
// taxonomy of spec.md §4.2.
func Verify(verifier Verifier, cap Capability, fsid pvfs.FSID, op OpMask, handle pvfs.Handle, now time.Time) VerifyResult {
	if cap.IsNull() || len(cap.Sig) == 0 {
		return InvalidSig
	}

	var claims capClaims
	if _, err := verifier.Parse(string(cap.Sig), &claims); err != nil {
		return InvalidSig
	}

	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time) {
		return Expired
	}
	if claims.FSID != fsid || cap.FSID != fsid {
		return WrongFs
	}
	if !cap.OpMask.Has(op) {
		return OpNotPermitted
	}

	covered := false
	for _, h := range cap.HandleSet {
		if h == handle {
			covered = true
			break
		}
	}
	if !covered {
		return HandleNotCovered
	}

	return Ok
}

// NeedsRefresh reports whether the capability's remaining life has dropped
// below RefreshMargin at time now.
func (c Capability) NeedsRefresh(now time.Time) bool {
	return time.Unix(c.Timeout, 0).Sub(now) < RefreshMargin
}

// Dup returns a deep copy of c: the handle set and signature are copied,
// never aliased, so mutating or zeroing one never affects the other
// (spec.md §4.2, §8 testable property).
func (c Capability) Dup() Capability {
	out := c
	if c.HandleSet != nil {
		out.HandleSet = append([]pvfs.Handle(nil), c.HandleSet...)
	}
	if c.Sig != nil {
		out.Sig = append([]byte(nil), c.Sig...)
	}
	return out
}

// Zero overwrites the signature bytes in place before the capability is
// dropped (spec.md §4.2 lifecycle).
func (c *Capability) Zero() {
	for i := range c.Sig {
		c.Sig[i] = 0
	}
	c.Sig = nil
}

// credClaims is the JWT claim shape a Credential's signature covers.
type credClaims struct {
	jwt.RegisteredClaims
	FSID   pvfs.FSID `json:"fs_id"`
	Serial uint64    `json:"serial"`
	UID    uint32    `json:"uid"`
	GIDs   []uint32  `json:"gids"`
}

// Credential identifies a principal (spec.md §3). Short-lived; refreshed
// like a capability when its remaining life drops below RefreshMargin.
type Credential struct {
	FSID   pvfs.FSID
	Serial uint64
	UID    uint32
	GIDs   []uint32
	Issuer string
	Timeout int64
	Sig    []byte
}

// IsUnsigned reports whether the credential carries no signature, per
// spec.md §4.2's `is_unsigned(cred) = sig_len == 0`.
func (c Credential) IsUnsigned() bool { return len(c.Sig) == 0 }

// NewCredential constructs and signs a credential.
func NewCredential(signer Signer, issuer string, fsid pvfs.FSID, serial uint64, uid uint32, gids []uint32, ttl time.Duration) (Credential, error) {
	now := time.Now()
	expires := now.Add(ttl)

	claims := credClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		FSID:   fsid,
		Serial: serial,
		UID:    uid,
		GIDs:   append([]uint32(nil), gids...),
	}

	token, err := signer.Sign(claims)
	if err != nil {
		return Credential{}, fmt.Errorf("credential: sign: %w", err)
	}

	return Credential{
		FSID:    fsid,
		Serial:  serial,
		UID:     uid,
		GIDs:    claims.GIDs,
		Issuer:  issuer,
		Timeout: expires.Unix(),
		Sig:     []byte(token),
	}, nil
}

// VerifyCredential checks a credential's signature and expiry.
func VerifyCredential(verifier Verifier, cred Credential, fsid pvfs.FSID, now time.Time) VerifyResult {
	if cred.IsUnsigned() {
		return InvalidSig
	}
	var claims credClaims
	if _, err := verifier.Parse(string(cred.Sig), &claims); err != nil {
		return InvalidSig
	}
	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time) {
		return Expired
	}
	if claims.FSID != fsid || cred.FSID != fsid {
		return WrongFs
	}
	return Ok
}

// NeedsRefresh reports whether the credential's remaining life has dropped
// below RefreshMargin at time now.
func (c Credential) NeedsRefresh(now time.Time) bool {
	return time.Unix(c.Timeout, 0).Sub(now) < RefreshMargin
}

// Dup returns a deep copy of c.
func (c Credential) Dup() Credential {
	out := c
	if c.GIDs != nil {
		out.GIDs = append([]uint32(nil), c.GIDs...)
	}
	if c.Sig != nil {
		out.Sig = append([]byte(nil), c.Sig...)
	}
	return out
}

// Zero overwrites the signature bytes in place before the credential is
// dropped.
func (c *Credential) Zero() {
	for i := range c.Sig {
		c.Sig[i] = 0
	}
	c.Sig = nil
}
