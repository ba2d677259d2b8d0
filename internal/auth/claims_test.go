package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-32b"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken("ops", RoleOperator, testSecret, "graylink", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret, "graylink")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops" || claims.Role != RoleOperator || claims.Issuer != "graylink" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
	if d := time.Until(claims.ExpiresAt.Time); d <= 0 || d > time.Hour {
		t.Errorf("expiry in %v", d)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	if _, err := IssueToken("ops", Role("root"), testSecret, "", time.Hour); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown role error = %v", err)
	}
	if _, err := IssueToken("", RoleViewer, testSecret, "", time.Hour); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("empty subject error = %v", err)
	}

	token, err := IssueToken("ops", RoleViewer, testSecret, "", 0)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(token, testSecret, "")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if d := time.Until(claims.ExpiresAt.Time); d < DefaultTokenTTL-time.Minute {
		t.Errorf("default TTL gave expiry in %v", d)
	}
}

func sign(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	valid := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops",
				Issuer:    "graylink",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role: RoleViewer,
		}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	noSubject := valid()
	noSubject.Subject = ""
	badRole := valid()
	badRole.Role = "root"
	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(t, valid(), jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"))},
		{"expired", sign(t, expired, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no expiry", sign(t, noExpiry, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no subject", sign(t, noSubject, jwt.SigningMethodHS256, []byte(testSecret))},
		{"unknown role", sign(t, badRole, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong issuer", sign(t, otherIssuer, jwt.SigningMethodHS256, []byte(testSecret))},
		{"other algorithm", sign(t, valid(), jwt.SigningMethodHS512, []byte(testSecret))},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, testSecret, "graylink"); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermDeviceRead, true},
		{RoleViewer, PermHistoryRead, true},
		{RoleViewer, PermMetricsRead, true},
		{RoleViewer, PermDeviceClose, false},
		{RoleOperator, PermDeviceClose, true},
		{RoleViewer, PermRPCConnect, false},
		{RoleOperator, PermRPCConnect, true},
		{Role("root"), PermDeviceRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission() = %v, want %v", got, tt.want)
			}
		})
	}

	perms := PermissionsForRole(RoleViewer)
	perms[0] = PermDeviceClose
	if HasPermission(RoleViewer, PermDeviceClose) {
		t.Error("PermissionsForRole() returned the shared slice")
	}
	if PermissionsForRole(Role("root")) != nil {
		t.Error("PermissionsForRole(unknown) != nil")
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("operator"); err != nil || r != RoleOperator {
		t.Errorf("ParseRole(operator) = %q, %v", r, err)
	}
	if _, err := ParseRole("Admin"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("ParseRole(Admin) error = %v", err)
	}
}
