/*
Command smtpfront is the connection admission front end of an SMTP daemon.

It binds the configured SMTP listeners as root, then starts itself again as
an unprivileged user with the bound sockets passed in. The root process keeps
the private keys of the configured certificates and signs TLS handshakes on
request of the unprivileged process, which never sees the keys.

The unprivileged process accepts connections as long as file descriptors are
available for another session, reads PROXY protocol headers where configured,
and hands connections to the session layer. When descriptors run out,
accepting is paused until sessions end. An administrator can pause and resume
accepting through the ctl socket.

# Commands

	smtpfront [-config config/smtpfront.conf] [-loglevel level] ...
	smtpfront serve
	smtpfront stop
	smtpfront pause
	smtpfront resume
	smtpfront sessions
	smtpfront enqueue
	smtpfront loglevels
	smtpfront setloglevels [level [pkg]]
	smtpfront config test
	smtpfront config describe >smtpfront.conf
	smtpfront version
	smtpfront help [command ...]

Run "smtpfront help command" for details about a command.
*/
package main
