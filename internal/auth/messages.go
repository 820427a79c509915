package auth

import (
	"errors"

	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/region"
)

const (
	msgDefault            = "認証に失敗しました"
	msgInvalidDisplayName = "氏名は姓と名の間にスペースを入れて入力してください"
	msgNetwork            = "ネットワーク接続を確認してください"
	msgNoSession          = "ログインしてください"
	msgNameRequired       = "地域認証の前に氏名を登録してください"
)

var providerMessages = map[identity.ErrorCode]string{
	identity.CodeInvalidEmail:    "メールアドレスの形式が正しくありません",
	identity.CodeWrongPassword:   "パスワードが間違っています",
	identity.CodeUserNotFound:    "ユーザーが見つかりません",
	identity.CodeEmailInUse:      "このメールアドレスは既に使用されています",
	identity.CodeWeakPassword:    "パスワードは6文字以上で入力してください",
	identity.CodeNetworkFailure:  msgNetwork,
	identity.CodeTooManyRequests: "リクエストが多すぎます。しばらく待ってから再試行してください",
	identity.CodeUserDisabled:    "このアカウントは無効化されています",
	identity.CodeNoSession:       msgNoSession,
}

// ErrInvalidDisplayName is returned by UpdateDisplayName for names that fail
// ValidDisplayName.
var ErrInvalidDisplayName = errors.New(msgInvalidDisplayName)

// ErrNoSession is returned by operations that need a signed-in user.
var ErrNoSession = errors.New(msgNoSession)

// ErrDisplayNameRequired is returned by VerifyRegion while the user's real
// name is not yet confirmed.
var ErrDisplayNameRequired = errors.New(msgNameRequired)

// ErrNoRegionService is returned by region operations on an Orchestrator
// configured without a RegionService.
var ErrNoRegionService = errors.New("auth: no region service configured")

// ErrClosed is returned by operations on a closed Orchestrator.
var ErrClosed = errors.New("auth: orchestrator closed")

// Error is returned by Orchestrator operations. Message is the localized text
// also recorded as the orchestrator's last error.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Message returns the localized user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	if msg, ok := providerMessages[identity.CodeOf(err)]; ok {
		return msg
	}
	switch {
	case errors.Is(err, region.ErrInvalidCode):
		return region.ErrInvalidCode.Error()
	case errors.Is(err, ErrInvalidDisplayName):
		return msgInvalidDisplayName
	case errors.Is(err, ErrNoSession):
		return msgNoSession
	case errors.Is(err, ErrDisplayNameRequired):
		return msgNameRequired
	}
	switch netcall.Classify(err) {
	case netcall.KindNoNetwork, netcall.KindRemoteUnavailable, netcall.KindHostUnreachable:
		return msgNetwork
	}
	return msgDefault
}

func localize(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return &Error{Message: Message(err), Err: err}
}
