// Package strategy holds the server selection algorithms behind the peer
// policy: round robin, smooth weighted round robin, random, least
// connections, least response time and consistent hashing on a client key.
//
// A Strategy only chooses among the candidates it is given; filtering out
// unhealthy, tripped or already tried servers is the caller's job.
package strategy
