// Package request implements the incremental HTTP/1.x request parser.
//
// A Parser is fed whatever bytes the connection has produced so far, in
// chunks of any size. It never blocks and keeps its progress between calls:
//
//	p := request.NewParser(request.DefaultLimits())
//	for {
//	    n, _ := conn.Read(buf)
//	    switch p.Feed(buf[:n]) {
//	    case request.StateComplete:
//	        req := p.Request()
//	        ...
//	    case request.StateError:
//	        return p.Err()
//	    }
//	}
//
// The header-line grammar (ReadLine, ParseHeaderLine) is exported so other
// producers of header blocks, such as CGI scripts, are parsed the same way.
package request
