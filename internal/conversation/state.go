package conversation

// State is where an operator is in a multi-turn flow.
type State int

const (
	Idle State = iota
	AwaitAPIID
	AwaitAPIHash
	AwaitPhone
	AwaitCode
	AwaitPassword
	AwaitDestinations
	AwaitDefaultText
	AwaitOverrideTarget
	AwaitOverrideText
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitAPIID:
		return "await_api_id"
	case AwaitAPIHash:
		return "await_api_hash"
	case AwaitPhone:
		return "await_phone"
	case AwaitCode:
		return "await_code"
	case AwaitPassword:
		return "await_password"
	case AwaitDestinations:
		return "await_destinations"
	case AwaitDefaultText:
		return "await_default_text"
	case AwaitOverrideTarget:
		return "await_override_target"
	case AwaitOverrideText:
		return "await_override_text"
	default:
		return "unknown"
	}
}

// Login reports whether s is part of the account login flow.
func (s State) Login() bool {
	switch s {
	case AwaitAPIID, AwaitAPIHash, AwaitPhone, AwaitCode, AwaitPassword:
		return true
	}
	return false
}

// Prompt is what the bot asks while waiting in s.
func (s State) Prompt() string {
	switch s {
	case AwaitAPIID:
		return "Send the account's api_id (a number from my.telegram.org)."
	case AwaitAPIHash:
		return "Send the api_hash."
	case AwaitPhone:
		return "Send the phone number in international format, e.g. +15551234567."
	case AwaitCode:
		return "Telegram sent a login code to that account. Send it with spaces between the digits, e.g. 1 2 3 4 5."
	case AwaitPassword:
		return "The account has two-step verification. Send its password."
	case AwaitDestinations:
		return "Send destinations, one per line or comma separated: @username or t.me links."
	case AwaitDefaultText:
		return "Send the broadcast text."
	case AwaitOverrideTarget:
		return "Which destination? Send its @username or link."
	case AwaitOverrideText:
		return "Send the text for this destination, or - to clear the override."
	default:
		return ""
	}
}

// Event drives a transition.
type Event int

const (
	BeginAddAccount Event = iota + 1
	BeginAddDestinations
	BeginSetText
	BeginSetOverride
	// Accepted: the input for the current state was valid and applied.
	Accepted
	// PasswordRequired: the login code was right but 2FA is enabled.
	PasswordRequired
	// LoginComplete: the account is authorized (possibly straight after the phone).
	LoginComplete
)

func (e Event) String() string {
	switch e {
	case BeginAddAccount:
		return "begin_add_account"
	case BeginAddDestinations:
		return "begin_add_destinations"
	case BeginSetText:
		return "begin_set_text"
	case BeginSetOverride:
		return "begin_set_override"
	case Accepted:
		return "accepted"
	case PasswordRequired:
		return "password_required"
	case LoginComplete:
		return "login_complete"
	default:
		return "unknown"
	}
}

// transitions is the whole flow graph. Cancel is not listed: it leads to Idle
// from every state.
var transitions = map[State]map[Event]State{
	Idle: {
		BeginAddAccount:      AwaitAPIID,
		BeginAddDestinations: AwaitDestinations,
		BeginSetText:         AwaitDefaultText,
		BeginSetOverride:     AwaitOverrideTarget,
	},
	AwaitAPIID:   {Accepted: AwaitAPIHash},
	AwaitAPIHash: {Accepted: AwaitPhone},
	AwaitPhone: {
		Accepted:      AwaitCode,
		LoginComplete: Idle,
	},
	AwaitCode: {
		PasswordRequired: AwaitPassword,
		LoginComplete:    Idle,
	},
	AwaitPassword:       {LoginComplete: Idle},
	AwaitDestinations:   {Accepted: Idle},
	AwaitDefaultText:    {Accepted: Idle},
	AwaitOverrideTarget: {Accepted: AwaitOverrideText},
	AwaitOverrideText:   {Accepted: Idle},
}

// Next returns the state e leads to from s.
func Next(s State, e Event) (State, bool) {
	n, ok := transitions[s][e]
	return n, ok
}
