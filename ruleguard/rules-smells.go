package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// if a { return err }; if b { return err } reads better as one guard.
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting inner loop logic`)
}

func wanderplan(m dsl.Matcher) {
	// Outbound calls must carry the tuned transport and timeouts of llm.Service.
	m.Match(`http.DefaultClient`, `http.Get($*_)`, `http.Post($*_)`).
		Report(`use the configured HTTP client instead of the net/http default`)

	m.Match(`$l.$m($*_, $key, $_, $*_)`).
		Where(m["l"].Type.Is(`*slog.Logger`) &&
			m["key"].Text.Matches(`(?i)^"(api_?key|password|secret|jwt_secret|authorization)"$`)).
		Report(`do not log credentials ($key)`)

	// Stored timestamps must sort lexically.
	m.Match(`$t.Format(time.RFC3339Nano)`, `$t.Format(time.RFC3339)`).
		Where(m["t"].Type.Is(`time.Time`) && m.File().PkgPath.Matches(`/internal/domain/`)).
		Report(`store timestamps with sqlite.FormatTime`)
}
