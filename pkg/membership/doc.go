// Package membership defines the Membership record and the small value
// types around it (NodeSize, NodePhase, View, MembershipDiff). It has no
// dependency on gossip or storage so both can import it freely.
package membership
