package email

import (
	"fmt"
	"net/url"
	"strings"
)

// VerificationSubject is the subject line of the address-confirmation mail.
const VerificationSubject = "【とらもり】メールアドレスの確認"

// VerificationBody renders the address-confirmation mail for the given
// confirmation token. baseURL is the public URL of the app shell.
func VerificationBody(baseURL, token string) string {
	link := strings.TrimRight(baseURL, "/") + "/verify-email?token=" + url.QueryEscape(token)
	return fmt.Sprintf(
		"とらもりにご登録いただきありがとうございます。\n\n"+
			"以下のリンクからメールアドレスを確認してください。\n\n  %s\n\n"+
			"このリンクの有効期限は24時間です。\n"+
			"お心当たりのない場合は、このメールを破棄してください。\n",
		link,
	)
}
