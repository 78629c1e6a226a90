// Package userclient drives MTProto user sessions through gotd.
//
// A Pool opens one Session per broadcast loop; the loop owns it and closes it
// exactly once. FLOOD_WAIT replies surface as *RateLimitError carrying the
// wait the server asked for. Login runs the phone/code/password exchange
// across several operator chat turns.
package userclient
